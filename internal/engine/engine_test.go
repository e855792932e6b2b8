package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"venuelink/internal/config"
	"venuelink/internal/stream"
	"venuelink/internal/venue"
)

type mockVenueClient struct {
	mu    sync.Mutex
	calls []string

	placeRef     string
	placeErr     error
	placeHook    func()
	updateErr    error
	cancelErr    error
	confirmation venue.Confirmation
	confirmErr   error
}

func (m *mockVenueClient) record(call string) {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	m.mu.Unlock()
}

func (m *mockVenueClient) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockVenueClient) PlaceOrder(ctx context.Context, spec venue.OrderSpec) (string, error) {
	m.record("PlaceOrder")
	if m.placeHook != nil {
		m.placeHook()
	}
	if m.placeErr != nil {
		return "", m.placeErr
	}
	return m.placeRef, nil
}

func (m *mockVenueClient) UpdateOrder(ctx context.Context, dealID string, spec venue.OrderSpec) (string, error) {
	m.record("UpdateOrder")
	if m.updateErr != nil {
		return "", m.updateErr
	}
	return dealID, nil
}

func (m *mockVenueClient) CancelOrder(ctx context.Context, dealID string) (string, error) {
	m.record("CancelOrder")
	if m.cancelErr != nil {
		return "", m.cancelErr
	}
	return dealID, nil
}

func (m *mockVenueClient) GetDealConfirmation(ctx context.Context, dealReference string) (venue.Confirmation, error) {
	m.record("GetDealConfirmation")
	if m.confirmErr != nil {
		return venue.Confirmation{}, m.confirmErr
	}
	return m.confirmation, nil
}

type sinkRecorder struct {
	mu          sync.Mutex
	transitions []Transition
}

func (s *sinkRecorder) OnTransition(t Transition) {
	s.mu.Lock()
	s.transitions = append(s.transitions, t)
	s.mu.Unlock()
}

func (s *sinkRecorder) snapshot() []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Transition(nil), s.transitions...)
}

func newTestEngine(client *mockVenueClient) (*Engine, *sinkRecorder) {
	sink := &sinkRecorder{}
	// Timeout=0 关闭兜底轮询，相关行为单独测试。
	eng := New(client, sink, config.ConfirmConfig{}, nil)
	return eng, sink
}

func marketBuy(size float64) venue.OrderSpec {
	return venue.OrderSpec{
		Instrument: "GOLD",
		Direction:  venue.DirectionBuy,
		OrderType:  "MARKET",
		Size:       size,
	}
}

func floatPtr(v float64) *float64 { return &v }

func TestSubmit_SuccessEmitsSubmittedAndIndexesRecord(t *testing.T) {
	client := &mockVenueClient{placeRef: "D1"}
	eng, sink := newTestEngine(client)

	if err := eng.Submit(context.Background(), "1", marketBuy(10)); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	transitions := sink.snapshot()
	if len(transitions) != 1 {
		t.Fatalf("expected one transition, got %d", len(transitions))
	}
	if transitions[0].Status != StatusSubmitted || transitions[0].DealID != "D1" {
		t.Errorf("unexpected transition: %+v", transitions[0])
	}

	if dealID, ok := eng.Resolve("1"); !ok || dealID != "D1" {
		t.Errorf("expected local 1 to resolve to D1, got %q ok=%v", dealID, ok)
	}
	if localID, ok := eng.ResolveDeal("D1"); !ok || localID != "1" {
		t.Errorf("expected D1 to resolve to local 1, got %q ok=%v", localID, ok)
	}
}

func TestSubmit_RejectionEmitsInvalidWithoutRecord(t *testing.T) {
	client := &mockVenueClient{placeErr: &venue.RemoteRejection{Status: 400, Body: "invalid size"}}
	eng, sink := newTestEngine(client)

	if err := eng.Submit(context.Background(), "1", marketBuy(-1)); err == nil {
		t.Fatalf("expected Submit to surface the rejection")
	}

	transitions := sink.snapshot()
	if len(transitions) != 1 || transitions[0].Status != StatusInvalid {
		t.Fatalf("expected single Invalid transition, got %+v", transitions)
	}
	if transitions[0].Reason == "" {
		t.Errorf("expected Invalid transition to carry a reason")
	}
	if _, ok := eng.Resolve("1"); ok {
		t.Errorf("expected no record after rejection")
	}
}

func TestSubmitThenFill_ExactlyTwoTransitionsAndRemoval(t *testing.T) {
	client := &mockVenueClient{placeRef: "D1"}
	eng, sink := newTestEngine(client)

	if err := eng.Submit(context.Background(), "1", marketBuy(10)); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	eng.OnTradeUpdate(stream.TradeUpdate{
		DealID:      "D1",
		Status:      "FILLED",
		FilledPrice: floatPtr(100.5),
		FilledSize:  floatPtr(10),
	})

	transitions := sink.snapshot()
	if len(transitions) != 2 {
		t.Fatalf("expected exactly two transitions, got %+v", transitions)
	}
	if transitions[0].Status != StatusSubmitted {
		t.Errorf("expected first transition Submitted, got %s", transitions[0].Status)
	}
	filled := transitions[1]
	if filled.Status != StatusFilled {
		t.Errorf("expected second transition Filled, got %s", filled.Status)
	}
	if filled.FillPrice == nil || *filled.FillPrice != 100.5 {
		t.Errorf("expected fill price 100.5, got %v", filled.FillPrice)
	}
	if filled.FillSize == nil || *filled.FillSize != 10 {
		t.Errorf("expected fill size 10, got %v", filled.FillSize)
	}

	if _, ok := eng.Resolve("1"); ok {
		t.Errorf("expected local index cleared after terminal status")
	}
	if _, ok := eng.ResolveDeal("D1"); ok {
		t.Errorf("expected deal index cleared after terminal status")
	}
	if open := eng.OpenOrders(); len(open) != 0 {
		t.Errorf("expected no open orders, got %d", len(open))
	}
}

func TestOnTradeUpdate_UnknownDealProducesNoTransition(t *testing.T) {
	client := &mockVenueClient{}
	eng, sink := newTestEngine(client)

	eng.OnTradeUpdate(stream.TradeUpdate{DealID: "D-alien", Status: "FILLED"})

	if transitions := sink.snapshot(); len(transitions) != 0 {
		t.Fatalf("expected no transitions for foreign deal, got %+v", transitions)
	}
}

func TestOnTradeUpdate_EarlyConfirmationAppliedAfterSubmit(t *testing.T) {
	client := &mockVenueClient{placeRef: "D1"}
	eng, sink := newTestEngine(client)

	// 确认先于 Submit 的 REST 响应到达：先暂存，插入后补放。
	eng.OnTradeUpdate(stream.TradeUpdate{
		DealID:      "D1",
		Status:      "FILLED",
		FilledPrice: floatPtr(99.0),
		FilledSize:  floatPtr(5),
	})

	if err := eng.Submit(context.Background(), "1", marketBuy(5)); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	transitions := sink.snapshot()
	if len(transitions) != 2 {
		t.Fatalf("expected Submitted then Filled, got %+v", transitions)
	}
	if transitions[0].Status != StatusSubmitted || transitions[1].Status != StatusFilled {
		t.Errorf("unexpected transition order: %+v", transitions)
	}
	if _, ok := eng.Resolve("1"); ok {
		t.Errorf("expected record removed after stashed terminal applied")
	}
}

func TestAmend_UnknownOrderMakesNoRESTCall(t *testing.T) {
	client := &mockVenueClient{}
	eng, _ := newTestEngine(client)

	if err := eng.Amend(context.Background(), "2", marketBuy(1)); !errors.Is(err, ErrUnknownOrder) {
		t.Fatalf("expected ErrUnknownOrder, got %v", err)
	}
	if client.callCount() != 0 {
		t.Errorf("expected no REST call for unknown order, got %d", client.callCount())
	}
}

func TestAmend_SuccessEmitsUpdateSubmitted(t *testing.T) {
	client := &mockVenueClient{placeRef: "D1"}
	eng, sink := newTestEngine(client)

	if err := eng.Submit(context.Background(), "1", marketBuy(10)); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if err := eng.Amend(context.Background(), "1", marketBuy(20)); err != nil {
		t.Fatalf("Amend returned error: %v", err)
	}

	transitions := sink.snapshot()
	if len(transitions) != 2 || transitions[1].Status != StatusUpdateSubmitted {
		t.Fatalf("expected UpdateSubmitted transition, got %+v", transitions)
	}
	// 改单后订单仍在追踪，等待流确认。
	if open := eng.OpenOrders(); len(open) != 1 || open[0].Status != StatusUpdateSubmitted {
		t.Errorf("unexpected open orders: %+v", open)
	}
}

func TestCancel_RemovesRecordAndEmitsCanceled(t *testing.T) {
	client := &mockVenueClient{placeRef: "D1"}
	eng, sink := newTestEngine(client)

	if err := eng.Submit(context.Background(), "1", marketBuy(10)); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if err := eng.Cancel(context.Background(), "1"); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}

	transitions := sink.snapshot()
	if len(transitions) != 2 || transitions[1].Status != StatusCanceled {
		t.Fatalf("expected Canceled transition, got %+v", transitions)
	}
	if _, ok := eng.Resolve("1"); ok {
		t.Errorf("expected record removed after cancel")
	}

	if err := eng.Cancel(context.Background(), "1"); !errors.Is(err, ErrUnknownOrder) {
		t.Errorf("expected ErrUnknownOrder for repeated cancel, got %v", err)
	}
}

func TestPartialFill_KeepsRecordUntilTerminal(t *testing.T) {
	client := &mockVenueClient{placeRef: "D1"}
	eng, sink := newTestEngine(client)

	if err := eng.Submit(context.Background(), "1", marketBuy(10)); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	eng.OnTradeUpdate(stream.TradeUpdate{
		DealID:      "D1",
		Status:      "PARTIALLY_FILLED",
		FilledPrice: floatPtr(100.0),
		FilledSize:  floatPtr(4),
	})
	if _, ok := eng.Resolve("1"); !ok {
		t.Fatalf("expected record retained after partial fill")
	}

	eng.OnTradeUpdate(stream.TradeUpdate{
		DealID:      "D1",
		Status:      "FILLED",
		FilledPrice: floatPtr(100.2),
		FilledSize:  floatPtr(10),
	})
	// 记录已按终态清除，重复的终态确认被直接丢弃。
	eng.OnTradeUpdate(stream.TradeUpdate{DealID: "D1", Status: "FILLED"})

	transitions := sink.snapshot()
	var terminals int
	for _, transition := range transitions {
		if transition.Status.Terminal() {
			terminals++
		}
	}
	if terminals != 1 {
		t.Fatalf("expected exactly one terminal transition, got %+v", transitions)
	}
	statuses := []OrderStatus{StatusSubmitted, StatusPartiallyFilled, StatusFilled}
	if len(transitions) != len(statuses) {
		t.Fatalf("expected %d transitions, got %+v", len(statuses), transitions)
	}
	for i, want := range statuses {
		if transitions[i].Status != want {
			t.Errorf("transition %d: got %s want %s", i, transitions[i].Status, want)
		}
	}
}

func TestOnTradeUpdate_UnknownStatusIgnored(t *testing.T) {
	client := &mockVenueClient{placeRef: "D1"}
	eng, sink := newTestEngine(client)

	if err := eng.Submit(context.Background(), "1", marketBuy(10)); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	eng.OnTradeUpdate(stream.TradeUpdate{DealID: "D1", Status: "HALTED"})

	transitions := sink.snapshot()
	if len(transitions) != 1 {
		t.Fatalf("expected unknown status to emit nothing, got %+v", transitions)
	}
	if _, ok := eng.Resolve("1"); !ok {
		t.Errorf("expected record untouched by unknown status")
	}
}

func TestSubmit_DuplicateLocalIDRejected(t *testing.T) {
	client := &mockVenueClient{placeRef: "D1"}
	eng, _ := newTestEngine(client)

	if err := eng.Submit(context.Background(), "1", marketBuy(10)); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if err := eng.Submit(context.Background(), "1", marketBuy(10)); !errors.Is(err, ErrDuplicateOrder) {
		t.Fatalf("expected ErrDuplicateOrder, got %v", err)
	}
}

func TestOnTradeUpdate_LateTerminalNotReplayedToNewOrder(t *testing.T) {
	client := &mockVenueClient{placeRef: "D1"}
	eng, sink := newTestEngine(client)

	if err := eng.Submit(context.Background(), "1", marketBuy(10)); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	eng.OnTradeUpdate(stream.TradeUpdate{DealID: "D1", Status: "FILLED"})
	// 订单已终结，迟到的重复终态不得进入暂存区。
	eng.OnTradeUpdate(stream.TradeUpdate{DealID: "D1", Status: "FILLED"})

	// 场所复用同一个 deal 引用时，新订单不得被旧终态立即终结。
	if err := eng.Submit(context.Background(), "2", marketBuy(5)); err != nil {
		t.Fatalf("second Submit returned error: %v", err)
	}

	transitions := sink.snapshot()
	if len(transitions) != 3 {
		t.Fatalf("expected three transitions, got %+v", transitions)
	}
	last := transitions[2]
	if last.LocalID != "2" || last.Status != StatusSubmitted {
		t.Fatalf("expected new order to stay Submitted, got %+v", last)
	}
	if open := eng.OpenOrders(); len(open) != 1 || open[0].LocalID != "2" {
		t.Errorf("expected new order still open, got %+v", open)
	}
}

func TestSubmit_ConcurrentDuplicateLocalIDPlacesOneOrder(t *testing.T) {
	release := make(chan struct{})
	client := &mockVenueClient{placeRef: "D1", placeHook: func() { <-release }}
	eng, _ := newTestEngine(client)

	done := make(chan error, 1)
	go func() {
		done <- eng.Submit(context.Background(), "1", marketBuy(10))
	}()

	// 等第一笔提交进入 REST 调用。
	deadline := time.Now().Add(2 * time.Second)
	for client.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first Submit never reached PlaceOrder")
		}
		time.Sleep(time.Millisecond)
	}

	// 本地单号已被占住，重复提交不得再下一笔场所订单。
	if err := eng.Submit(context.Background(), "1", marketBuy(10)); !errors.Is(err, ErrDuplicateOrder) {
		t.Fatalf("expected ErrDuplicateOrder, got %v", err)
	}
	if got := client.callCount(); got != 1 {
		t.Fatalf("expected exactly one PlaceOrder call, got %d", got)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Submit returned error: %v", err)
	}
	if dealID, ok := eng.Resolve("1"); !ok || dealID != "D1" {
		t.Errorf("expected local 1 tracked as D1, got %q ok=%v", dealID, ok)
	}
}

func TestWatchConfirmation_PollsWhenStreamSilent(t *testing.T) {
	client := &mockVenueClient{
		placeRef: "D1",
		confirmation: venue.Confirmation{
			DealReference: "D1",
			DealID:        "D1",
			Status:        "FILLED",
			Level:         101.5,
			Size:          3,
		},
	}
	sink := &sinkRecorder{}
	eng := New(client, sink, config.ConfirmConfig{
		Timeout:      20 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
		PollAttempts: 3,
	}, nil)

	if err := eng.Submit(context.Background(), "1", marketBuy(3)); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		transitions := sink.snapshot()
		if len(transitions) == 2 {
			if transitions[1].Status != StatusFilled {
				t.Fatalf("expected polled Filled transition, got %+v", transitions)
			}
			if transitions[1].FillPrice == nil || *transitions[1].FillPrice != 101.5 {
				t.Fatalf("expected polled fill price, got %+v", transitions[1])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("confirmation poll never produced a transition, saw %+v", transitions)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, ok := eng.Resolve("1"); ok {
		t.Errorf("expected record removed after polled terminal")
	}
}

func TestWatchConfirmation_SkippedWhenStreamConfirms(t *testing.T) {
	client := &mockVenueClient{placeRef: "D1"}
	sink := &sinkRecorder{}
	eng := New(client, sink, config.ConfirmConfig{
		Timeout:      30 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
		PollAttempts: 2,
	}, nil)

	if err := eng.Submit(context.Background(), "1", marketBuy(3)); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	eng.OnTradeUpdate(stream.TradeUpdate{DealID: "D1", Status: "FILLED"})

	time.Sleep(100 * time.Millisecond)

	client.mu.Lock()
	defer client.mu.Unlock()
	for _, call := range client.calls {
		if call == "GetDealConfirmation" {
			t.Fatalf("expected no confirmation poll once stream confirmed, calls=%v", client.calls)
		}
	}
}
