package subscribers

import (
	"context"

	"nvcstack.local/facilitator/internal/analytics"
)

type Subscriber interface {
	Name() string
	Handle(context.Context, analytics.Record) error
}
