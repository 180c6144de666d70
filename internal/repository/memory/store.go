package memory

/*
Файл store.go — хранилище в памяти с той же семантикой, что и postgres:
  - WithUserTx сериализует транзакции одного пользователя (мьютекс на user_id);
  - записи внутри транзакции копятся и применяются только при успешном fn (commit);
  - смена статусов — compare-and-set, повторно проверяемый при commit.
Используется при database.driver=memory и в тестах.
*/

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xela07ax/x402-paygate/internal/audit"
	"github.com/xela07ax/x402-paygate/internal/domain"
	"github.com/xela07ax/x402-paygate/internal/repository"
)

type Store struct {
	mu           sync.Mutex
	userLocks    map[string]*sync.Mutex
	policies     map[string]domain.SpendingPolicy
	transactions map[string]*domain.Transaction
	txOrder      []string
	pendings     map[string]*domain.PendingPayment
	wallets      map[string]domain.HotWallet
	events       []audit.PaymentEvent
}

var _ repository.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		userLocks:    make(map[string]*sync.Mutex),
		policies:     make(map[string]domain.SpendingPolicy),
		transactions: make(map[string]*domain.Transaction),
		pendings:     make(map[string]*domain.PendingPayment),
		wallets:      make(map[string]domain.HotWallet),
	}
}

func policyKey(userID, endpoint string) string {
	return userID + "|" + endpoint
}

func (s *Store) userLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.userLocks[userID] = l
	}
	return l
}

func (s *Store) WithUserTx(ctx context.Context, userID string, fn func(tx repository.Tx) error) error {
	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{s: s, statuses: make(map[string]statusChange)}
	if err := fn(tx); err != nil {
		return err // rollback: накопленное просто выбрасывается
	}
	return tx.commit()
}

type statusChange struct {
	from, to domain.PendingStatus
	at       time.Time
}

type memTx struct {
	s        *Store
	txs      []domain.Transaction
	pendings []domain.PendingPayment
	statuses map[string]statusChange
}

func (t *memTx) GetPolicy(ctx context.Context, userID, endpoint string) (*domain.SpendingPolicy, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, key := range []string{policyKey(userID, endpoint), policyKey(userID, domain.WildcardEndpoint)} {
		if p, ok := t.s.policies[key]; ok {
			return &p, nil
		}
	}
	return nil, nil
}

func (t *memTx) CurrentSpend(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	total := decimal.Zero
	countTx := func(tr *domain.Transaction) {
		if tr.UserID != userID || tr.Type != domain.TransactionPayment || tr.CreatedAt.Before(since) {
			return
		}
		if tr.Status == domain.TransactionPending || tr.Status == domain.TransactionCompleted {
			total = total.Add(tr.Amount)
		}
	}
	for _, tr := range t.s.transactions {
		countTx(tr)
	}
	for i := range t.txs {
		countTx(&t.txs[i])
	}

	countPending := func(p domain.PendingPayment) {
		if ch, ok := t.statuses[p.ID]; ok {
			p.Status = ch.to
		}
		if p.UserID == userID && p.Status == domain.PendingStatusPending && !p.CreatedAt.Before(since) {
			total = total.Add(p.Amount)
		}
	}
	for _, p := range t.s.pendings {
		countPending(*p)
	}
	for _, p := range t.pendings {
		countPending(p)
	}
	return total, nil
}

func (t *memTx) InsertTransaction(ctx context.Context, tr *domain.Transaction) error {
	t.txs = append(t.txs, *tr)
	return nil
}

func (t *memTx) CreatePending(ctx context.Context, p *domain.PendingPayment) error {
	t.pendings = append(t.pendings, *p)
	return nil
}

func (t *memTx) GetPendingForUpdate(ctx context.Context, id string) (*domain.PendingPayment, error) {
	t.s.mu.Lock()
	p, ok := t.s.pendings[id]
	var out domain.PendingPayment
	if ok {
		out = *p
	}
	t.s.mu.Unlock()

	if !ok {
		for _, staged := range t.pendings {
			if staged.ID == id {
				out, ok = staged, true
				break
			}
		}
	}
	if !ok {
		return nil, fmt.Errorf("pending payment %s: %w", id, domain.ErrNotFound)
	}
	if ch, staged := t.statuses[id]; staged {
		out.Status = ch.to
		at := ch.at
		out.DecidedAt = &at
	}
	return &out, nil
}

func (t *memTx) SetPendingStatus(ctx context.Context, id string, from, to domain.PendingStatus, at time.Time) error {
	cur, err := t.GetPendingForUpdate(ctx, id)
	if err != nil {
		return err
	}
	if cur.Status != from {
		return fmt.Errorf("pending payment %s is %s: %w", id, cur.Status, domain.ErrConcurrentTransition)
	}
	if prev, ok := t.statuses[id]; ok {
		from = prev.from
	}
	t.statuses[id] = statusChange{from: from, to: to, at: at}
	return nil
}

func (t *memTx) commit() error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	// CAS повторно: кто-то мог сменить статус вне транзакции
	for id, ch := range t.statuses {
		if p, ok := t.s.pendings[id]; ok && p.Status != ch.from {
			return fmt.Errorf("pending payment %s is %s: %w", id, p.Status, domain.ErrConcurrentTransition)
		}
	}

	for i := range t.pendings {
		p := t.pendings[i]
		t.s.pendings[p.ID] = &p
	}
	for id, ch := range t.statuses {
		p := t.s.pendings[id]
		p.Status = ch.to
		at := ch.at
		p.DecidedAt = &at
	}
	for i := range t.txs {
		tr := t.txs[i]
		t.s.transactions[tr.ID] = &tr
		t.s.txOrder = append(t.s.txOrder, tr.ID)
	}
	return nil
}

func (s *Store) FinalizeTransaction(ctx context.Context, id string, status domain.TransactionStatus, ref, reason *string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr, ok := s.transactions[id]
	if !ok {
		return fmt.Errorf("transaction %s: %w", id, domain.ErrNotFound)
	}
	if tr.Status != domain.TransactionPending {
		return fmt.Errorf("transaction %s already %s: %w", id, tr.Status, domain.ErrConcurrentTransition)
	}
	tr.Status = status
	if ref != nil {
		tr.SettlementRef = ref
	}
	tr.ErrorReason = reason
	tr.SettledAt = &at
	return nil
}

func (s *Store) AttachReference(ctx context.Context, id, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.transactions[id]
	if !ok {
		return fmt.Errorf("transaction %s: %w", id, domain.ErrNotFound)
	}
	if tr.SettlementRef == nil {
		tr.SettlementRef = &ref
	}
	return nil
}

func (s *Store) AttachAuthorization(ctx context.Context, id string, auth domain.AuthorizationRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.transactions[id]
	if !ok {
		return fmt.Errorf("transaction %s: %w", id, domain.ErrNotFound)
	}
	a := auth
	tr.Authorization = &a
	return nil
}

func (s *Store) GetPending(ctx context.Context, id string) (*domain.PendingPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pendings[id]
	if !ok {
		return nil, fmt.Errorf("pending payment %s: %w", id, domain.ErrNotFound)
	}
	out := *p
	return &out, nil
}

func (s *Store) ListPending(ctx context.Context, userID string, status domain.PendingStatus) ([]*domain.PendingPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.PendingPayment, 0)
	for _, p := range s.pendings {
		if p.UserID != userID || (status != "" && p.Status != status) {
			continue
		}
		c := *p
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ExpireOverdue(ctx context.Context, userID string, now time.Time) (int, error) {
	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, p := range s.pendings {
		if p.UserID == userID && p.IsOverdue(now) {
			p.Status = domain.PendingStatusExpired
			at := now
			p.DecidedAt = &at
			n++
		}
	}
	return n, nil
}

func (s *Store) ListTransactions(ctx context.Context, userID string, limit int) ([]*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Transaction, 0)
	for i := len(s.txOrder) - 1; i >= 0; i-- {
		tr := s.transactions[s.txOrder[i]]
		if tr.UserID != userID {
			continue
		}
		c := *tr
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) GetTransactionByRef(ctx context.Context, userID, ref string) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tr := range s.transactions {
		if tr.UserID == userID && tr.SettlementRef != nil && strings.EqualFold(*tr.SettlementRef, ref) {
			c := *tr
			return &c, nil
		}
	}
	return nil, fmt.Errorf("transaction with ref %s: %w", ref, domain.ErrNotFound)
}

func (s *Store) GetWallet(ctx context.Context, userID string) (*domain.HotWallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[userID]
	if !ok {
		return nil, fmt.Errorf("wallet of %s: %w", userID, domain.ErrNotFound)
	}
	w.EncryptedKey = append([]byte(nil), w.EncryptedKey...)
	return &w, nil
}

func (s *Store) SaveWallet(ctx context.Context, w *domain.HotWallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *w
	c.EncryptedKey = append([]byte(nil), w.EncryptedKey...)
	s.wallets[w.UserID] = c
	return nil
}

func (s *Store) SetWalletFrozen(ctx context.Context, userID string, frozen bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[userID]
	if !ok {
		return fmt.Errorf("wallet of %s: %w", userID, domain.ErrNotFound)
	}
	w.Frozen = frozen
	s.wallets[userID] = w
	return nil
}

func (s *Store) ListFrozenUsers(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0)
	for id, w := range s.wallets {
		if w.Frozen {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) UpsertPolicy(ctx context.Context, p *domain.SpendingPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *p
	if c.Endpoint == "" {
		c.Endpoint = domain.WildcardEndpoint
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	s.policies[policyKey(c.UserID, c.Endpoint)] = c
	return nil
}

func (s *Store) WriteBatch(ctx context.Context, events []audit.PaymentEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func (s *Store) FetchLogs(ctx context.Context, userID, stage string, limit int) ([]audit.PaymentEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	out := make([]audit.PaymentEvent, 0)
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.events[i]
		if e.UserID == userID && (stage == "" || e.Stage == stage) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Events возвращает записанный аудит (для тестов и отладки).
func (s *Store) Events() []audit.PaymentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.PaymentEvent(nil), s.events...)
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) Close() {}
