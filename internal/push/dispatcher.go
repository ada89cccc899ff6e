package push

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DeliveryReport summarizes one notify fan-out. Attempted distinguishes
// "account had tokens but every send failed" from "account had no tokens";
// neither case is an error, the command is already recorded either way.
type DeliveryReport struct {
	Attempted int  `json:"attempted"`
	Delivered int  `json:"delivered"`
	Failed    int  `json:"failed"`
	Pruned    int  `json:"pruned"`
	Notified  bool `json:"notified"`
}

type Dispatcher struct {
	client   Client
	registry TokenRegistry
	log      *zap.Logger
}

func NewDispatcher(client Client, registry TokenRegistry, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{client: client, registry: registry, log: log}
}

// Notify sends msg to every token registered for the account, in parallel.
// One token's failure never blocks or cancels the others, and there is no
// automatic retry: at most one attempt per token per call. Tokens the
// service reports as permanently invalid are deregistered in the
// background.
func (d *Dispatcher) Notify(ctx context.Context, userID string, msg Message) (DeliveryReport, error) {
	tokens, err := d.registry.Tokens(ctx, userID)
	if err != nil {
		return DeliveryReport{}, err
	}
	if len(tokens) == 0 {
		return DeliveryReport{}, nil
	}

	report := DeliveryReport{Attempted: len(tokens)}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, token := range tokens {
		wg.Add(1)
		go func(token string) {
			defer wg.Done()
			err := d.client.Send(ctx, token, msg)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				report.Delivered++
			case errors.Is(err, ErrTokenInvalid):
				report.Failed++
				report.Pruned++
				d.pruneToken(userID, token, err)
			default:
				report.Failed++
				d.log.Warn("push delivery failed",
					zap.String("user_id", userID), zap.Error(err))
			}
		}(token)
	}
	wg.Wait()

	report.Notified = report.Delivered > 0
	return report, nil
}

// pruneToken removes a permanently dead token. Runs detached from the
// request so cleanup cannot delay or fail the caller.
func (d *Dispatcher) pruneToken(userID, token string, cause error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := d.registry.Remove(ctx, userID, token); err != nil {
			d.log.Warn("failed to prune dead push token",
				zap.String("user_id", userID), zap.Error(err))
			return
		}
		d.log.Info("pruned dead push token",
			zap.String("user_id", userID), zap.NamedError("cause", cause))
	}()
}
