package studyrouter

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ferro-labs/study-router/providers"
	"github.com/ferro-labs/study-router/routing"
)

var validate = func() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}()

// Query is a study question submitted through the /api/query operation.
type Query struct {
	Query  string `json:"query" validate:"required,max=20000"`
	Policy string `json:"policy,omitempty"`
	// Strategy is "triton"/"auto" (classify) or "manual".
	Strategy string `json:"strategy,omitempty" validate:"omitempty,oneof=triton auto manual"`
	// RoutingStrategy is accepted as an alias of Strategy.
	RoutingStrategy string `json:"routing_strategy,omitempty" validate:"omitempty,oneof=triton auto manual"`
	// Model is the label to use for manual routing.
	Model     string   `json:"model,omitempty"`
	Threshold *float64 `json:"threshold,omitempty" validate:"omitempty,gte=0,lte=1"`
}

// strategy returns the effective routing strategy name.
func (q Query) strategy() string {
	if q.Strategy != "" {
		return q.Strategy
	}
	return q.RoutingStrategy
}

// Validate checks q and returns a *routing.InvalidRequestError describing
// the first problem found.
func (q Query) Validate() error {
	q.Query = strings.TrimSpace(q.Query)
	if err := validate.Struct(q); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return &routing.InvalidRequestError{Reason: describe(verrs[0])}
		}
		return &routing.InvalidRequestError{Reason: err.Error()}
	}
	if q.strategy() == string(routing.StrategyManual) && strings.TrimSpace(q.Model) == "" {
		return &routing.InvalidRequestError{Reason: "model is required for manual routing"}
	}
	return nil
}

func describe(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "gte", "lte":
		return field + " must be between 0 and 1"
	case "max":
		return fmt.Sprintf("%s exceeds %s characters", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

// Answer is the result of a study query.
type Answer struct {
	Response           string             `json:"response"`
	ModelUsed          string             `json:"model_used"`
	ClassifierUsed     string             `json:"classifier_used"`
	PolicyUsed         string             `json:"policy_used"`
	RoutingStrategy    string             `json:"routing_strategy"`
	ClassificationBy   string             `json:"classification_method"`
	ResponseTime       float64            `json:"response_time"`
	Usage              providers.Usage    `json:"usage"`
	Cost               float64            `json:"cost"`
	DetectedSubject    string             `json:"detected_subject"`
	DetectedDifficulty string             `json:"detected_difficulty"`
	Scores             map[string]float64 `json:"classification_scores,omitempty"`
	FellBack           bool               `json:"fell_back,omitempty"`
	Timestamp          time.Time          `json:"timestamp"`
}
