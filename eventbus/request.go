package eventbus

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/agent-adventures/adventure-core/storyengine/typeutil"
)

// Request emits requestType with an injected requestId and waits for a
// resultType event carrying the same requestId. Responses for other
// requests are ignored. On timeout the temporary subscription is cancelled
// and a RequestTimeoutError is returned.
func (b *InMemoryBus) Request(ctx context.Context, requestType string, payload map[string]any, resultType string, timeout time.Duration) (map[string]any, error) {
	requestID := "req_" + uuid.New().String()[:16]

	resultCh := make(chan map[string]any, 1)
	cancel := b.Subscribe(resultType, func(ctx context.Context, event *Event) error {
		select {
		case resultCh <- event.PayloadMap():
		default:
			// A result already arrived for this request.
		}
		return nil
	}, WithFilter(func(event *Event) bool {
		return typeutil.SafeStringDefault(event.PayloadMap()["requestId"], "") == requestID
	}))
	defer cancel()

	request := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		request[k] = v
	}
	request["requestId"] = requestID

	// Handler failures during the request emission do not prevent a
	// response; the wait below still applies.
	_ = b.Emit(ctx, requestType, request)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-resultCh:
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, NewRequestTimeoutError(requestType, resultType, timeout)
	}
}
