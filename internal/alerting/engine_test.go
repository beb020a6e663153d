package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"p2p-rate-watch/internal/cooldown"
	"p2p-rate-watch/internal/storage"
)

// memoryAlerts mirrors the storage semantics: limit checked on insert,
// select-and-delete under one lock.
type memoryAlerts struct {
	mu     sync.Mutex
	nextID int64
	alerts    []storage.Alert
	err       error
	insertErr error
}

func (m *memoryAlerts) CountActiveAlerts(_ context.Context, owner int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	n := 0
	for _, a := range m.alerts {
		if a.OwnerID == owner {
			n++
		}
	}
	return n, nil
}

func (m *memoryAlerts) InsertAlert(_ context.Context, owner int64, target decimal.Decimal, cond storage.Condition, limit int) (storage.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return storage.Alert{}, m.insertErr
	}
	n := 0
	for _, a := range m.alerts {
		if a.OwnerID == owner {
			n++
		}
	}
	if n >= limit {
		return storage.Alert{}, storage.ErrAlertLimitReached
	}
	m.nextID++
	alert := storage.Alert{ID: m.nextID, OwnerID: owner, Target: target, Condition: cond, CreatedAt: time.Now()}
	m.alerts = append(m.alerts, alert)
	return alert, nil
}

func (m *memoryAlerts) DeleteTriggeredAlerts(_ context.Context, price decimal.Decimal) ([]storage.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var fired, kept []storage.Alert
	for _, a := range m.alerts {
		if a.Condition.Triggered(price, a.Target) {
			fired = append(fired, a)
		} else {
			kept = append(kept, a)
		}
	}
	m.alerts = kept
	return fired, nil
}

func (m *memoryAlerts) ListAlerts(_ context.Context, owner int64) ([]storage.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Alert
	for _, a := range m.alerts {
		if a.OwnerID == owner {
			out = append(out, a)
		}
	}
	return out, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []Notification
	err   error
}

func (r *recordingNotifier) Notify(_ context.Context, note Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, note)
	return r.err
}

func TestCreateRejectsFourthAlert(t *testing.T) {
	store := &memoryAlerts{}
	engine := NewEngine(Options{MaxPerOwner: 3}, store, nil, nil, testLogger())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := engine.Create(ctx, 7, decimal.NewFromInt(int64(70+i)), storage.ConditionAbove); err != nil {
			t.Fatalf("第 %d 个告警应创建成功: %v", i+1, err)
		}
	}
	_, err := engine.Create(ctx, 7, decimal.NewFromInt(80), storage.ConditionAbove)
	if !errors.Is(err, ErrLimitReached) {
		t.Fatalf("第 4 个告警应返回 ErrLimitReached, 实际 %v", err)
	}
	if n, _ := store.CountActiveAlerts(ctx, 7); n != 3 {
		t.Fatalf("告警数量应保持 3, 实际 %d", n)
	}
	if _, err := engine.Create(ctx, 8, decimal.NewFromInt(80), storage.ConditionBelow); err != nil {
		t.Fatalf("其他 owner 不受限制: %v", err)
	}
}

func TestCreateConcurrentNeverExceedsLimit(t *testing.T) {
	store := &memoryAlerts{}
	engine := NewEngine(Options{MaxPerOwner: 3}, store, nil, nil, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = engine.Create(context.Background(), 1, decimal.NewFromInt(int64(50+i)), storage.ConditionAbove)
		}(i)
	}
	wg.Wait()
	if n, _ := store.CountActiveAlerts(context.Background(), 1); n != 3 {
		t.Fatalf("并发创建后告警数量应为 3, 实际 %d", n)
	}
}

func TestCreateDistinguishesStorageError(t *testing.T) {
	store := &memoryAlerts{err: errors.New("connection refused")}
	engine := NewEngine(Options{}, store, nil, nil, testLogger())
	_, err := engine.Create(context.Background(), 1, decimal.NewFromInt(10), storage.ConditionAbove)
	if err == nil || errors.Is(err, ErrLimitReached) {
		t.Fatalf("存储错误应与上限错误区分, 实际 %v", err)
	}
}

func TestCreateValidates(t *testing.T) {
	engine := NewEngine(Options{}, &memoryAlerts{}, nil, nil, testLogger())
	if _, err := engine.Create(context.Background(), 1, decimal.Zero, storage.ConditionAbove); !errors.Is(err, ErrInvalidAlert) {
		t.Fatalf("目标价为 0 应被拒绝, 实际 %v", err)
	}
	if _, err := engine.Create(context.Background(), 1, decimal.NewFromInt(1), storage.Condition("UP")); !errors.Is(err, ErrInvalidAlert) {
		t.Fatalf("未知条件应被拒绝, 实际 %v", err)
	}
}

func TestCreateCooldown(t *testing.T) {
	engine := NewEngine(Options{CreateCooldown: time.Hour}, &memoryAlerts{}, nil, nil, testLogger())
	if _, err := engine.Create(context.Background(), 1, decimal.NewFromInt(10), storage.ConditionAbove); err != nil {
		t.Fatalf("首次创建应成功: %v", err)
	}
	if _, err := engine.Create(context.Background(), 1, decimal.NewFromInt(11), storage.ConditionAbove); !errors.Is(err, ErrCooldown) {
		t.Fatalf("冷却期内应返回 ErrCooldown, 实际 %v", err)
	}
}

func TestEvaluateFiresOnce(t *testing.T) {
	store := &memoryAlerts{}
	notifier := &recordingNotifier{}
	engine := NewEngine(Options{}, store, notifier, nil, testLogger())
	ctx := context.Background()

	if _, err := engine.Create(ctx, 5, decimal.NewFromInt(75), storage.ConditionAbove); err != nil {
		t.Fatalf("创建失败: %v", err)
	}

	if n, err := engine.Evaluate(ctx, decimal.NewFromInt(74), ""); err != nil || n != 0 {
		t.Fatalf("74 不应触发, n=%d err=%v", n, err)
	}
	if n, err := engine.Evaluate(ctx, decimal.NewFromInt(76), "label"); err != nil || n != 1 {
		t.Fatalf("76 应触发一次, n=%d err=%v", n, err)
	}
	if n, _ := engine.Evaluate(ctx, decimal.NewFromInt(77), ""); n != 0 {
		t.Fatalf("已触发的告警不应再次触发, n=%d", n)
	}

	if len(notifier.notes) != 1 || notifier.notes[0].Alert.OwnerID != 5 || notifier.notes[0].Label != "label" {
		t.Fatalf("通知记录不正确: %+v", notifier.notes)
	}
	if alerts, _ := engine.List(ctx, 5); len(alerts) != 0 {
		t.Fatalf("触发后告警应被删除: %+v", alerts)
	}
}

func TestEvaluateConcurrentCyclesFireAtMostOnce(t *testing.T) {
	store := &memoryAlerts{}
	notifier := &recordingNotifier{}
	engine := NewEngine(Options{}, store, notifier, nil, testLogger())
	if _, err := engine.Create(context.Background(), 5, decimal.NewFromInt(60), storage.ConditionBelow); err != nil {
		t.Fatalf("创建失败: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = engine.Evaluate(context.Background(), decimal.NewFromInt(55), "")
		}()
	}
	wg.Wait()
	if len(notifier.notes) != 1 {
		t.Fatalf("并发评估时告警只能触发一次, 实际 %d", len(notifier.notes))
	}
}

func TestEvaluateNotifyFailureDoesNotRequeue(t *testing.T) {
	store := &memoryAlerts{}
	notifier := &recordingNotifier{err: errors.New("blocked")}
	engine := NewEngine(Options{}, store, notifier, nil, testLogger())
	if _, err := engine.Create(context.Background(), 5, decimal.NewFromInt(60), storage.ConditionBelow); err != nil {
		t.Fatalf("创建失败: %v", err)
	}
	if n, err := engine.Evaluate(context.Background(), decimal.NewFromInt(60), ""); err != nil || n != 1 {
		t.Fatalf("通知失败不影响触发计数, n=%d err=%v", n, err)
	}
	if alerts, _ := store.ListAlerts(context.Background(), 5); len(alerts) != 0 {
		t.Fatal("通知失败的告警不应重新入队")
	}
}

func TestCreateFailedInsertDoesNotStartCooldown(t *testing.T) {
	store := &memoryAlerts{insertErr: errors.New("deadlock detected")}
	engine := NewEngine(Options{CreateCooldown: time.Hour}, store, nil, nil, testLogger())
	ctx := context.Background()

	if _, err := engine.Create(ctx, 1, decimal.NewFromInt(10), storage.ConditionAbove); err == nil {
		t.Fatal("写入失败应返回错误")
	}
	store.insertErr = nil
	if _, err := engine.Create(ctx, 1, decimal.NewFromInt(10), storage.ConditionAbove); err != nil {
		t.Fatalf("写入失败不应触发冷却, 实际 %v", err)
	}
}

func TestCreateSharesCooldownAcrossEngines(t *testing.T) {
	gate := cooldown.New(time.Hour)
	store := &memoryAlerts{}
	first := NewEngine(Options{Cooldown: gate}, store, nil, nil, testLogger())
	second := NewEngine(Options{Cooldown: gate}, store, nil, nil, testLogger())

	if _, err := first.Create(context.Background(), 3, decimal.NewFromInt(10), storage.ConditionAbove); err != nil {
		t.Fatalf("首次创建应成功: %v", err)
	}
	if _, err := second.Create(context.Background(), 3, decimal.NewFromInt(11), storage.ConditionAbove); !errors.Is(err, ErrCooldown) {
		t.Fatalf("共享冷却时另一个实例应返回 ErrCooldown, 实际 %v", err)
	}
}

type brokenGate struct{}

func (brokenGate) Reserve(context.Context, int64) (bool, time.Duration, error) {
	return false, 0, errors.New("redis: connection refused")
}

func (brokenGate) Release(context.Context, int64) error { return nil }

func TestCreateIgnoresCooldownStoreFailure(t *testing.T) {
	engine := NewEngine(Options{Cooldown: brokenGate{}}, &memoryAlerts{}, nil, nil, testLogger())
	if _, err := engine.Create(context.Background(), 1, decimal.NewFromInt(10), storage.ConditionAbove); err != nil {
		t.Fatalf("冷却存储不可用时仍应允许创建: %v", err)
	}
}

func TestEvaluateWithoutNotifierKeepsAlerts(t *testing.T) {
	store := &memoryAlerts{}
	engine := NewEngine(Options{}, store, nil, nil, testLogger())
	ctx := context.Background()
	if _, err := engine.Create(ctx, 5, decimal.NewFromInt(75), storage.ConditionAbove); err != nil {
		t.Fatalf("创建失败: %v", err)
	}

	if n, err := engine.Evaluate(ctx, decimal.NewFromInt(76), ""); err != nil || n != 0 {
		t.Fatalf("没有通知渠道时不应触发, n=%d err=%v", n, err)
	}
	if alerts, _ := store.ListAlerts(ctx, 5); len(alerts) != 1 {
		t.Fatalf("没有通知渠道时告警应保留, 实际 %d", len(alerts))
	}
}
