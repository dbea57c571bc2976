package fidohost

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dantte-lp/gofido/fido"
)

// Op is an operation run against one authenticator session. Ops must
// honor ctx: RunParallel cancels losers as soon as a winner finishes.
type Op[T any] func(ctx context.Context, s *Session) (T, error)

// ProgressFunc receives the number of devices that have rejected the
// key handle so far in the current round. RunParallel calls it on a
// fixed cadence and once more when a round ends without a winner after
// at least one rejection.
type ProgressFunc func(invalidKeyHandles int)

// WaitForFirstToken waits for an authenticator to be plugged in, runs
// op on it, and releases the session. Transient failures (timeout,
// busy, interrupted IO) restart the wait from scratch, transparently
// riding out unplug/replug cycles; any other failure propagates.
func WaitForFirstToken[T any](ctx context.Context, h *Host, op Op[T]) (T, error) {
	var zero T
	for {
		s, err := h.WaitForDevice(ctx)
		if err != nil {
			return zero, err
		}

		res, err := runReleasing(ctx, s, op)
		switch {
		case err == nil:
			return res, nil
		case fido.IsTransient(err):
			h.logger.Debug("token lost, waiting again",
				slog.String("error", err.Error()))
			continue
		default:
			return zero, err
		}
	}
}

// runReleasing runs op with the session released on every exit path.
func runReleasing[T any](ctx context.Context, s *Session, op Op[T]) (T, error) {
	defer s.Close()
	return op(ctx, s)
}

// outcome is one worker's report to the coordinator.
type outcome[T any] struct {
	result T
	err    error
}

// RunParallel runs op against every currently-plugged authenticator at
// once and returns the first successful result, cancelling the rest.
//
// Each round waits for the devices present, bounds itself with the
// recheck interval, and spawns one worker per device; the worker's
// context is the union of the caller's cancellation and the round
// timer. Workers failing transiently or by cancellation are ignored;
// workers failing with InvalidKeyHandle are ignored but counted, the
// count flowing to progress on a fixed cadence; any other failure
// cancels the round and propagates. A round with no winner starts
// over, picking up newly plugged devices.
func RunParallel[T any](ctx context.Context, h *Host, op Op[T], progress ProgressFunc) (T, error) {
	var zero T
	for {
		sessions, err := h.WaitForDevices(ctx)
		if err != nil {
			return zero, err
		}

		res, ok, err := runRound(ctx, h, sessions, op, progress)
		if err != nil {
			return zero, err
		}
		if ok {
			return res, nil
		}
		if err := ctx.Err(); err != nil {
			return zero, err
		}
	}
}

// runRound drives one fan-out over the given sessions. ok reports
// whether a winner was found. All sessions are released before it
// returns.
func runRound[T any](ctx context.Context, h *Host, sessions []*Session, op Op[T], progress ProgressFunc) (result T, ok bool, err error) {
	roundCtx, cancelRound := context.WithTimeout(ctx, h.recheckInterval)
	defer cancelRound()

	results := make(chan outcome[T], len(sessions))
	var wg sync.WaitGroup
	for _, s := range sessions {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := runReleasing(roundCtx, s, op)
			results <- outcome[T]{result: res, err: err}
		}()
	}
	// The coordinator below may return early on a winner or a fatal
	// error; workers observe the round cancellation and drain into the
	// buffered channel.
	defer wg.Wait()

	ticker := time.NewTicker(h.progressInterval)
	defer ticker.Stop()

	invalid := 0
	pending := len(sessions)
	for pending > 0 {
		select {
		case out := <-results:
			pending--
			switch {
			case out.err == nil:
				cancelRound()
				return out.result, true, nil
			case fido.KindOf(out.err) == fido.KindInvalidKeyHandle:
				invalid++
			case isIgnorable(out.err):
				// Transient or cancelled: a negative non-answer.
			default:
				cancelRound()
				return result, false, out.err
			}
		case <-ticker.C:
			if progress != nil {
				progress(invalid)
			}
		case <-ctx.Done():
			cancelRound()
			return result, false, ctx.Err()
		}
	}

	if progress != nil && invalid > 0 {
		progress(invalid)
	}
	h.logger.Debug("round ended without a winner",
		slog.Int("devices", len(sessions)),
		slog.Int("invalid_key_handles", invalid),
	)
	return result, false, nil
}

// isIgnorable reports whether a worker failure is a non-answer for the
// round: a transient transport failure or a cancellation (the round
// timer or a sibling winner).
func isIgnorable(err error) bool {
	return fido.IsTransient(err) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
