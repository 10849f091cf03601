package stream

import (
	"math"
	"math/big"
	"strconv"
	"time"

	"github.com/agencyenterprise/ae-runlifecycle/pkg/models"
)

// costState tracks the bookkeeping the multiplexer needs to synthesize
// hw_cost_estimate/hw_cost_actual ticks (spec.md §4.8 steps 5-6) without
// re-querying the database on every heartbeat.
type costState struct {
	costPerHourCents float64
	startedRunningAt *time.Time
	stoppedRunningAt *time.Time
	actualEmitted    bool
}

func newCostState(run *models.Run) *costState {
	s := &costState{
		costPerHourCents: run.CostPerHour * 100,
		startedRunningAt: run.StartedRunningAt,
	}
	if run.Status.IsTerminal() {
		stopped := run.UpdatedAt
		s.stoppedRunningAt = &stopped
	}
	return s
}

// observeEvent updates stopped-running bookkeeping from a live
// status_changed event whose to_status is terminal (spec.md §4.8 step 5).
func (s *costState) observeEvent(eventType string, data map[string]any) {
	if eventType != "status_changed" {
		return
	}
	to, _ := data["to_status"].(string)
	if models.RunStatus(to).IsTerminal() {
		now := time.Now()
		s.stoppedRunningAt = &now
	}
}

// estimate computes an hw_cost_estimate tick, or false if the run hasn't
// started running yet and there is nothing meaningful to report.
func (s *costState) estimate() (map[string]any, bool) {
	if s.startedRunningAt == nil {
		return nil, false
	}
	end := time.Now()
	if s.stoppedRunningAt != nil && s.stoppedRunningAt.Before(end) {
		end = *s.stoppedRunningAt
	}
	elapsedSeconds := end.Sub(*s.startedRunningAt).Seconds()
	if elapsedSeconds < 0 {
		elapsedSeconds = 0
	}
	return map[string]any{
		"hw_estimated_cost_cents": s.costPerHourCents * elapsedSeconds / 3600,
		"hw_cost_per_hour_cents":  s.costPerHourCents,
		"hw_started_running_at":  s.startedRunningAt,
	}, true
}

// actualFromEvent extracts hw_cost_actual from an observed
// pod_billing_summary event, emitting it at most once per stream
// (spec.md §4.8 step 6: "emit as its own stream event once; clear the
// dirty flag").
func (s *costState) actualFromEvent(eventType string, data map[string]any) (map[string]any, bool) {
	if eventType != "pod_billing_summary" || s.actualEmitted {
		return nil, false
	}
	amountUSD, ok := data["total_amount_usd"].(float64)
	if !ok {
		return nil, false
	}
	s.actualEmitted = true
	return map[string]any{"hw_cost_actual": roundHalfUpCents(amountUSD)}, true
}

// roundHalfUpCents converts a USD amount to integer cents using half-up
// rounding, per spec.md §4.8 step 6. The rounding is done on the amount's
// shortest decimal form, so 1.005 (stored as 1.00499...) gives 101.
func roundHalfUpCents(amountUSD float64) int64 {
	r, ok := new(big.Rat).SetString(strconv.FormatFloat(amountUSD, 'f', -1, 64))
	if !ok {
		return int64(math.Floor(amountUSD*100 + 0.5))
	}
	r.Mul(r, big.NewRat(100, 1))
	r.Add(r, big.NewRat(1, 2))
	return new(big.Int).Div(r.Num(), r.Denom()).Int64()
}
