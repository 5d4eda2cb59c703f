package repository

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"zapia_ai/internal/entities"
)

var errTxDone = errors.New("transaction already finished")

// MemoryBackend is an in-process tenant store with the same isolation rules as
// the Postgres store: one partition per namespace, a guard per transaction.
// Transactions on one partition are serialized; commit swaps in the staged copy.
type MemoryBackend struct {
	mu         sync.Mutex
	namespaces map[string]entities.Namespace
	partitions map[string]*memPartition
	begins     atomic.Int64
	now        func() time.Time
}

type memPartition struct {
	lock chan struct{}
	data *memData
}

type memData struct {
	contacts    map[string]entities.Contact
	phones      map[string]string
	messages    []entities.Message
	providerIDs map[string]string
	knowledge   []entities.KnowledgeChunk
	ai          *entities.AIConfig
	wa          *entities.WhatsAppConfig
	usage       map[string]int
	members     map[string]entities.Member
}

func newMemData() *memData {
	return &memData{
		contacts:    make(map[string]entities.Contact),
		phones:      make(map[string]string),
		providerIDs: make(map[string]string),
		usage:       make(map[string]int),
		members:     make(map[string]entities.Member),
	}
}

func (d *memData) clone() *memData {
	c := newMemData()
	for k, v := range d.contacts {
		c.contacts[k] = v
	}
	for k, v := range d.phones {
		c.phones[k] = v
	}
	for k, v := range d.providerIDs {
		c.providerIDs[k] = v
	}
	for k, v := range d.usage {
		c.usage[k] = v
	}
	for k, v := range d.members {
		c.members[k] = v
	}
	c.messages = append([]entities.Message(nil), d.messages...)
	c.knowledge = append([]entities.KnowledgeChunk(nil), d.knowledge...)
	if d.ai != nil {
		ai := *d.ai
		c.ai = &ai
	}
	if d.wa != nil {
		wa := *d.wa
		c.wa = &wa
	}
	return c
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		namespaces: make(map[string]entities.Namespace),
		partitions: make(map[string]*memPartition),
		now:        time.Now,
	}
}

// Begins counts opened transactions.
func (b *MemoryBackend) Begins() int64 { return b.begins.Load() }

func (b *MemoryBackend) LoadNamespace(_ context.Context, tenantID string) (entities.Namespace, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ns, ok := b.namespaces[tenantID]
	if !ok {
		return entities.Namespace{}, entities.ErrNotFound
	}
	return ns, nil
}

func (b *MemoryBackend) SaveNamespace(_ context.Context, ns entities.Namespace) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.namespaces[ns.TenantID]; !exists {
		b.namespaces[ns.TenantID] = ns
	}
	return nil
}

// EnsurePartition creates the partition of ns if it does not exist.
func (b *MemoryBackend) EnsurePartition(_ context.Context, ns entities.Namespace) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.partitions[ns.Schema]; !exists {
		b.partitions[ns.Schema] = &memPartition{lock: make(chan struct{}, 1), data: newMemData()}
	}
	return nil
}

func (b *MemoryBackend) Begin(ctx context.Context, ns entities.Namespace) (TxSession, error) {
	b.mu.Lock()
	p, ok := b.partitions[ns.Schema]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: partition %s missing", entities.ErrTenantNotProvisioned, ns.Schema)
	}

	select {
	case p.lock <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	b.begins.Add(1)
	return &memTx{backend: b, ns: ns, part: p, view: p.data.clone()}, nil
}

type memTx struct {
	backend *MemoryBackend
	ns      entities.Namespace
	part    *memPartition
	view    *memData
	guard   string
	done    bool
}

func (t *memTx) TenantID() string { return t.ns.TenantID }

func (t *memTx) SetGuard(_ context.Context, tenantID string) error {
	if t.done {
		return errTxDone
	}
	t.guard = tenantID
	return nil
}

func (t *memTx) check() error {
	if t.done {
		return errTxDone
	}
	if t.guard == "" || t.guard != t.ns.TenantID {
		return errGuardMismatch
	}
	return nil
}

func (t *memTx) Commit(context.Context) error {
	if t.done {
		return errTxDone
	}
	t.done = true
	t.backend.mu.Lock()
	t.part.data = t.view
	t.backend.mu.Unlock()
	<-t.part.lock
	return nil
}

func (t *memTx) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	<-t.part.lock
	return nil
}

func (t *memTx) FindOrCreateContact(_ context.Context, phone, name string) (entities.Contact, bool, error) {
	if err := t.check(); err != nil {
		return entities.Contact{}, false, err
	}
	now := t.backend.now()
	if id, ok := t.view.phones[phone]; ok {
		c := t.view.contacts[id]
		if name != "" && c.Name != name {
			c.Name = name
			c.UpdatedAt = now
			t.view.contacts[id] = c
		}
		return c, false, nil
	}
	c := entities.Contact{
		ID:        uuid.NewString(),
		TenantID:  t.guard,
		Phone:     phone,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	t.view.contacts[c.ID] = c
	t.view.phones[phone] = c.ID
	return c, true, nil
}

func (t *memTx) InsertMessage(_ context.Context, msg entities.Message) (entities.Message, bool, error) {
	if err := t.check(); err != nil {
		return entities.Message{}, false, err
	}
	if _, ok := t.view.contacts[msg.ContactID]; !ok {
		return entities.Message{}, false, entities.Fatal(fmt.Errorf("contact %s not found in tenant %s", msg.ContactID, t.guard))
	}
	if pid := msg.ProviderMessageID(); pid != "" {
		if existing, ok := t.view.providerIDs[pid]; ok {
			for _, m := range t.view.messages {
				if m.ID == existing {
					return m, false, nil
				}
			}
		}
	}

	msg.ID = uuid.NewString()
	msg.TenantID = t.guard
	msg.CreatedAt = t.backend.now()
	t.view.messages = append(t.view.messages, msg)
	if pid := msg.ProviderMessageID(); pid != "" {
		t.view.providerIDs[pid] = msg.ID
	}
	return msg, true, nil
}

func (t *memTx) RecentMessages(_ context.Context, contactID string, limit int) ([]entities.Message, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	var out []entities.Message
	for i := len(t.view.messages) - 1; i >= 0 && len(out) < limit; i-- {
		if t.view.messages[i].ContactID == contactID {
			out = append(out, t.view.messages[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (t *memTx) SearchKnowledge(_ context.Context, embedding []float32, threshold float64, limit int) ([]entities.ScoredChunk, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	var scored []entities.ScoredChunk
	for _, c := range t.view.knowledge {
		sim, ok := cosineSimilarity(c.Embedding, embedding)
		if !ok || sim <= threshold {
			continue
		}
		scored = append(scored, entities.ScoredChunk{KnowledgeChunk: c, Similarity: sim})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Similarity > scored[j].Similarity })
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

func (t *memTx) InsertKnowledge(_ context.Context, chunk entities.KnowledgeChunk) (entities.KnowledgeChunk, error) {
	if err := t.check(); err != nil {
		return entities.KnowledgeChunk{}, err
	}
	chunk.ID = uuid.NewString()
	chunk.TenantID = t.guard
	chunk.CreatedAt = t.backend.now()
	chunk.Embedding = append([]float32(nil), chunk.Embedding...)
	t.view.knowledge = append(t.view.knowledge, chunk)
	return chunk, nil
}

func (t *memTx) GetAIConfig(context.Context) (*entities.AIConfig, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	if t.view.ai == nil {
		return nil, nil
	}
	cfg := *t.view.ai
	return &cfg, nil
}

func (t *memTx) UpsertAIConfig(_ context.Context, cfg entities.AIConfig) error {
	if err := t.check(); err != nil {
		return err
	}
	cfg.TenantID = t.guard
	cfg.UpdatedAt = t.backend.now()
	t.view.ai = &cfg
	return nil
}

func (t *memTx) GetWhatsAppConfig(context.Context) (*entities.WhatsAppConfig, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	if t.view.wa == nil {
		return nil, nil
	}
	cfg := *t.view.wa
	return &cfg, nil
}

func (t *memTx) UpsertWhatsAppConfig(_ context.Context, cfg entities.WhatsAppConfig) error {
	if err := t.check(); err != nil {
		return err
	}
	cfg.TenantID = t.guard
	cfg.UpdatedAt = t.backend.now()
	t.view.wa = &cfg
	return nil
}

func (t *memTx) IncrementUsage(_ context.Context, counter string) error {
	if err := t.check(); err != nil {
		return err
	}
	day := t.backend.now().Format("2006-01-02")
	t.view.usage[day+"/"+counter]++
	return nil
}

func (t *memTx) UpsertMember(_ context.Context, m entities.Member) (entities.Member, error) {
	if err := t.check(); err != nil {
		return entities.Member{}, err
	}
	now := t.backend.now()
	if existing, ok := t.view.members[m.ExternalID]; ok {
		existing.Email = m.Email
		existing.Name = m.Name
		existing.UpdatedAt = now
		t.view.members[m.ExternalID] = existing
		return existing, nil
	}
	m.ID = uuid.NewString()
	m.TenantID = t.guard
	m.CreatedAt = now
	m.UpdatedAt = now
	t.view.members[m.ExternalID] = m
	return m, nil
}

// Messages returns a snapshot of every committed message of a tenant, for tests.
func (b *MemoryBackend) Messages(tenantID string) []entities.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.partitions[entities.SchemaFor(tenantID)]
	if !ok {
		return nil
	}
	return append([]entities.Message(nil), p.data.messages...)
}

// Contacts returns a snapshot of every committed contact of a tenant, for tests.
func (b *MemoryBackend) Contacts(tenantID string) []entities.Contact {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.partitions[entities.SchemaFor(tenantID)]
	if !ok {
		return nil
	}
	out := make([]entities.Contact, 0, len(p.data.contacts))
	for _, c := range p.data.contacts {
		out = append(out, c)
	}
	return out
}

// Members returns a snapshot of every committed member of a tenant, for tests.
func (b *MemoryBackend) Members(tenantID string) []entities.Member {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.partitions[entities.SchemaFor(tenantID)]
	if !ok {
		return nil
	}
	out := make([]entities.Member, 0, len(p.data.members))
	for _, m := range p.data.members {
		out = append(out, m)
	}
	return out
}

func cosineSimilarity(a, b []float32) (float64, bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), true
}
