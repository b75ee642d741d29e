package camera

import (
	"context"
	"fmt"
	"sync"
)

// Permission は権限の確認と要求を担う
type Permission interface {
	IsGranted(capability Capability) bool

	// Request は権限を要求し、利用者の応答があるまで待つ
	Request(ctx context.Context, capability Capability) (bool, error)
}

// AllowAll は常に許可するPermission（ヘッドレス運用向け）
type AllowAll struct{}

func (AllowAll) IsGranted(Capability) bool { return true }

func (AllowAll) Request(context.Context, Capability) (bool, error) { return true, nil }

// MockPermission はテスト用のPermission
//
// 初期状態では何も許可されておらず、Request はGrantかDenyが呼ばれるまで待つ。
type MockPermission struct {
	mu       sync.Mutex
	granted  map[Capability]bool
	denied   map[Capability]bool
	requests int
	signal   chan struct{}
}

// NewMockPermission は新しいMockPermissionを作成する
func NewMockPermission(granted ...Capability) *MockPermission {
	p := &MockPermission{
		granted: make(map[Capability]bool),
		denied:  make(map[Capability]bool),
		signal:  make(chan struct{}),
	}
	for _, c := range granted {
		p.granted[c] = true
	}
	return p
}

func (p *MockPermission) IsGranted(capability Capability) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.granted[capability]
}

func (p *MockPermission) Request(ctx context.Context, capability Capability) (bool, error) {
	for {
		p.mu.Lock()
		p.requests++
		if p.granted[capability] {
			p.mu.Unlock()
			return true, nil
		}
		if p.denied[capability] {
			p.mu.Unlock()
			return false, nil
		}
		signal := p.signal
		p.mu.Unlock()

		select {
		case <-signal:
		case <-ctx.Done():
			return false, fmt.Errorf("権限 %s の応答待ちを中断: %w", capability, ctx.Err())
		}
	}
}

// Grant は権限を許可し、待っているRequestを再開させる
func (p *MockPermission) Grant(capability Capability) {
	p.answer(capability, true)
}

// Deny は権限を拒否し、待っているRequestを再開させる
func (p *MockPermission) Deny(capability Capability) {
	p.answer(capability, false)
}

// Requests はRequestの呼び出し回数を返す
func (p *MockPermission) Requests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests
}

func (p *MockPermission) answer(capability Capability, granted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if granted {
		p.granted[capability] = true
		delete(p.denied, capability)
	} else {
		p.denied[capability] = true
		delete(p.granted, capability)
	}
	close(p.signal)
	p.signal = make(chan struct{})
}
