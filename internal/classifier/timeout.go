package classifier

import (
	"context"
	"time"
)

type timeoutModel struct {
	Model
	timeout time.Duration
}

// WithTimeout bounds every Predict call on model. A non-positive timeout
// returns model unchanged.
func WithTimeout(model Model, timeout time.Duration) Model {
	if timeout <= 0 {
		return model
	}
	return &timeoutModel{Model: model, timeout: timeout}
}

func (m *timeoutModel) Predict(ctx context.Context, images []Image) ([]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.Model.Predict(ctx, images)
}
