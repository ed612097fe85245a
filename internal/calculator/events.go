package calculator

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CalculationEvent records a completed calculation
type CalculationEvent struct {
	EventID             string    `json:"eventId"`
	OccurredAt          time.Time `json:"occurredAt"`
	RequestID           string    `json:"requestId,omitempty"`
	DrugID              string    `json:"drugId"`
	DrugName            string    `json:"drugName"`
	ResolutionStrategy  string    `json:"resolutionStrategy"`
	DaysSupply          int       `json:"daysSupply"`
	TotalQuantity       float64   `json:"totalQuantity"`
	PackageCodes        []string  `json:"packageCodes"`
	OverfillPercentage  float64   `json:"overfillPercentage"`
	UnderfillPercentage float64   `json:"underfillPercentage"`
	Source              string    `json:"source"`
	AlgorithmicFallback bool      `json:"algorithmicFallback"`
	WarningCount        int       `json:"warningCount"`
	ExecutionTimeMs     int64     `json:"executionTimeMs"`
}

// Publisher delivers calculation events without blocking the caller. done is
// called exactly once with the delivery outcome.
type Publisher interface {
	PublishCalculation(ctx context.Context, event *CalculationEvent, done func(error))
}

type requestIDKey struct{}

// WithRequestID tags ctx with the caller's request ID for event correlation
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func newEvent(ctx context.Context, req *Request, resp *Response, source string, now time.Time) *CalculationEvent {
	codes := make([]string, 0, len(resp.RecommendedPackages))
	for _, p := range resp.RecommendedPackages {
		codes = append(codes, p.Code)
	}
	ev := &CalculationEvent{
		EventID:             uuid.New().String(),
		OccurredAt:          now.UTC(),
		RequestID:           requestID(ctx),
		DrugID:              resp.Drug.ID,
		DrugName:            resp.Drug.Name,
		DaysSupply:          req.DaysSupply,
		TotalQuantity:       resp.TotalQuantity,
		PackageCodes:        codes,
		OverfillPercentage:  resp.OverfillPercentage,
		UnderfillPercentage: resp.UnderfillPercentage,
		Source:              source,
		WarningCount:        len(resp.Warnings),
	}
	if resp.Metadata != nil {
		ev.ResolutionStrategy = resp.Metadata.ResolutionStrategy
		ev.AlgorithmicFallback = resp.Metadata.AlgorithmicFallback
		ev.ExecutionTimeMs = resp.Metadata.ExecutionTimeMs
	}
	return ev
}
