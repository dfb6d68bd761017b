// Package memory provides an in-memory implementation of the persistence
// contract used for tests and ephemeral environments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"stockroom/pkg/domain"
)

// Compile-time contract assertions.
var (
	_ domain.PersistentStore = (*Store)(nil)
	_ domain.Transaction     = (*transaction)(nil)
)

type (
	// Identity aliases domain.Identity.
	Identity = domain.Identity
	// Tag aliases domain.Tag.
	Tag = domain.Tag
	// HistoryEntry aliases domain.HistoryEntry.
	HistoryEntry = domain.HistoryEntry
	// Change aliases domain.Change.
	Change = domain.Change
	// Result aliases domain.Result.
	Result = domain.Result
)

type memoryState struct {
	identities map[string]Identity
	byCode     map[string]string
	children   map[string]map[string]struct{}
	tags       map[domain.Category]map[string]Tag
	history    []HistoryEntry
	historyBy  map[string][]int
}

func newMemoryState() memoryState {
	tags := make(map[domain.Category]map[string]Tag)
	for _, info := range domain.Categories() {
		tags[info.Category] = make(map[string]Tag)
	}
	return memoryState{
		identities: make(map[string]Identity),
		byCode:     make(map[string]string),
		children:   make(map[string]map[string]struct{}),
		tags:       tags,
		historyBy:  make(map[string][]int),
	}
}

// Store serializes transactions behind a single mutex. Writes are staged in a
// per-transaction overlay and folded into the committed state only after the
// rules engine accepts the change set.
type Store struct {
	mu      sync.RWMutex
	state   memoryState
	codeSeq int64
	engine  *domain.RulesEngine
}

// New constructs an empty store. A nil engine disables rule evaluation.
func New(engine *domain.RulesEngine) *Store {
	return &Store{state: newMemoryState(), engine: engine}
}

// RunInTransaction executes fn with exclusive access to the store.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := newTransaction(s, true)
	if err := fn(tx); err != nil {
		return Result{}, err
	}
	res, err := s.engine.Check(ctx, tx, tx.changes)
	if err != nil {
		return res, err
	}
	s.commit(tx)
	return res, nil
}

// View executes fn against the committed state.
func (s *Store) View(ctx context.Context, fn func(domain.TransactionView) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(newTransaction(s, false))
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

func (s *Store) commit(tx *transaction) {
	st := &s.state
	for id, ident := range tx.identities {
		if prev, ok := st.identities[id]; ok {
			st.unlinkChild(prev.Parent, id)
		}
		st.identities[id] = ident
		st.byCode[ident.Code] = id
		st.linkChild(ident.Parent, id)
	}
	for key, tag := range tx.tags {
		st.tags[key.category][key.identityID] = tag
	}
	for _, entry := range tx.history {
		st.historyBy[entry.IdentityID] = append(st.historyBy[entry.IdentityID], len(st.history))
		st.history = append(st.history, entry)
	}
}

func parentKey(p domain.ParentRef) string {
	if id, ok := p.ID(); ok {
		return id
	}
	return ""
}

func (st *memoryState) linkChild(p domain.ParentRef, id string) {
	key := parentKey(p)
	set, ok := st.children[key]
	if !ok {
		set = make(map[string]struct{})
		st.children[key] = set
	}
	set[id] = struct{}{}
}

func (st *memoryState) unlinkChild(p domain.ParentRef, id string) {
	if set, ok := st.children[parentKey(p)]; ok {
		delete(set, id)
	}
}

type tagKey struct {
	category   domain.Category
	identityID string
}

type transaction struct {
	store      *Store
	writable   bool
	identities map[string]Identity
	tags       map[tagKey]Tag
	history    []HistoryEntry
	changes    []Change
}

func newTransaction(s *Store, writable bool) *transaction {
	return &transaction{
		store:      s,
		writable:   writable,
		identities: make(map[string]Identity),
		tags:       make(map[tagKey]Tag),
	}
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

func (tx *transaction) lookup(id string) (Identity, bool) {
	if ident, ok := tx.identities[id]; ok {
		return ident, true
	}
	ident, ok := tx.store.state.identities[id]
	return ident, ok
}

func (tx *transaction) FindIdentity(id string) (Identity, error) {
	ident, ok := tx.lookup(id)
	if !ok {
		return Identity{}, domain.Errorf(domain.ErrNotFound, "identity %s not found", id)
	}
	return domain.CloneIdentity(ident), nil
}

func (tx *transaction) FindIdentityByCode(code string) (Identity, error) {
	for _, ident := range tx.identities {
		if ident.Code == code {
			return domain.CloneIdentity(ident), nil
		}
	}
	id, ok := tx.store.state.byCode[code]
	if !ok {
		return Identity{}, domain.Errorf(domain.ErrNotFound, "no identity with code %q", code)
	}
	return tx.FindIdentity(id)
}

func (tx *transaction) FindTag(identityID string, category domain.Category) (Tag, error) {
	key := tagKey{category: category, identityID: identityID}
	if tag, ok := tx.tags[key]; ok {
		return domain.CloneTag(tag), nil
	}
	table, ok := tx.store.state.tags[category]
	if !ok {
		return nil, domain.Errorf(domain.ErrInvalidCategory, "unknown category %q", category)
	}
	tag, ok := table[identityID]
	if !ok {
		return nil, domain.Errorf(domain.ErrNotFound, "%s tag for %s not found", category, identityID)
	}
	return domain.CloneTag(tag), nil
}

func (tx *transaction) ListChildren(parent domain.ParentRef) ([]Identity, error) {
	seen := make(map[string]struct{})
	var out []Identity
	consider := func(id string) {
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		ident, ok := tx.lookup(id)
		if ok && ident.Active() && ident.Parent == parent {
			out = append(out, domain.CloneIdentity(ident))
		}
	}
	for id := range tx.store.state.children[parentKey(parent)] {
		consider(id)
	}
	for id := range tx.identities {
		consider(id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (tx *transaction) ListHistory(q domain.HistoryQuery) ([]HistoryEntry, error) {
	q = q.Normalize()
	st := &tx.store.state
	out := make([]HistoryEntry, 0, q.Limit)
	keep := func(e HistoryEntry) bool {
		if q.IdentityID != "" && e.IdentityID != q.IdentityID {
			return false
		}
		return q.Before == 0 || e.Seq < q.Before
	}
	for i := len(tx.history) - 1; i >= 0 && len(out) < q.Limit; i-- {
		if keep(tx.history[i]) {
			out = append(out, tx.history[i])
		}
	}
	if q.IdentityID != "" {
		idx := st.historyBy[q.IdentityID]
		for i := len(idx) - 1; i >= 0 && len(out) < q.Limit; i-- {
			if e := st.history[idx[i]]; keep(e) {
				out = append(out, e)
			}
		}
		return out, nil
	}
	for i := len(st.history) - 1; i >= 0 && len(out) < q.Limit; i-- {
		if keep(st.history[i]) {
			out = append(out, st.history[i])
		}
	}
	return out, nil
}

func (tx *transaction) requireWritable() error {
	if !tx.writable {
		return fmt.Errorf("memory: write attempted in read-only view")
	}
	return nil
}

func (tx *transaction) NextCodeSuffix() (int64, error) {
	if err := tx.requireWritable(); err != nil {
		return 0, err
	}
	tx.store.codeSeq++
	return tx.store.codeSeq, nil
}

// LockIdentity only loads the row; the store mutex already serializes transactions.
func (tx *transaction) LockIdentity(id string, _ domain.LockMode) (Identity, error) {
	return tx.FindIdentity(id)
}

func (tx *transaction) LockTag(identityID string, category domain.Category) (Tag, error) {
	return tx.FindTag(identityID, category)
}

func (tx *transaction) CreateIdentity(identity Identity, tag Tag) (Identity, error) {
	if err := tx.requireWritable(); err != nil {
		return Identity{}, err
	}
	if identity.ID == "" || identity.Code == "" {
		return Identity{}, fmt.Errorf("memory: identity id and code are required")
	}
	if _, exists := tx.lookup(identity.ID); exists {
		return Identity{}, fmt.Errorf("memory: identity %s already exists", identity.ID)
	}
	if _, err := tx.FindIdentityByCode(identity.Code); err == nil {
		return Identity{}, fmt.Errorf("memory: code %s already assigned", identity.Code)
	}
	if err := domain.ValidateTag(identity.Category, tag); err != nil {
		return Identity{}, err
	}
	identity = domain.CloneIdentity(identity)
	tx.identities[identity.ID] = identity
	tx.tags[tagKey{category: identity.Category, identityID: identity.ID}] = domain.CloneTag(tag)
	tx.recordChange(Change{Entity: domain.EntityIdentity, Action: domain.ActionCreate, IdentityID: identity.ID, After: identity})
	tx.recordChange(Change{Entity: domain.EntityTag, Action: domain.ActionCreate, IdentityID: identity.ID, After: tag})
	return domain.CloneIdentity(identity), nil
}

func (tx *transaction) UpdateIdentity(id string, mutator func(*Identity) error) (Identity, error) {
	if err := tx.requireWritable(); err != nil {
		return Identity{}, err
	}
	current, err := tx.FindIdentity(id)
	if err != nil {
		return Identity{}, err
	}
	updated := domain.CloneIdentity(current)
	if err := mutator(&updated); err != nil {
		return Identity{}, err
	}
	if updated.ID != current.ID || updated.Code != current.Code || updated.Category != current.Category {
		return Identity{}, fmt.Errorf("memory: id, code and category of %s are immutable", id)
	}
	tx.identities[id] = updated
	tx.recordChange(Change{Entity: domain.EntityIdentity, Action: domain.ActionUpdate, IdentityID: id, Before: current, After: updated})
	return domain.CloneIdentity(updated), nil
}

func (tx *transaction) UpdateTag(identityID string, category domain.Category, mutator func(Tag) (Tag, error)) (Tag, error) {
	if err := tx.requireWritable(); err != nil {
		return nil, err
	}
	current, err := tx.FindTag(identityID, category)
	if err != nil {
		return nil, err
	}
	updated, err := mutator(domain.CloneTag(current))
	if err != nil {
		return nil, err
	}
	if updated == nil || updated.Category() != category {
		return nil, fmt.Errorf("memory: tag for %s must stay a %s tag", identityID, category)
	}
	tx.tags[tagKey{category: category, identityID: identityID}] = domain.CloneTag(updated)
	tx.recordChange(Change{Entity: domain.EntityTag, Action: domain.ActionUpdate, IdentityID: identityID, Before: current, After: updated})
	return updated, nil
}

func (tx *transaction) AppendHistory(entry HistoryEntry) (HistoryEntry, error) {
	if err := tx.requireWritable(); err != nil {
		return HistoryEntry{}, err
	}
	if _, ok := tx.lookup(entry.IdentityID); !ok {
		return HistoryEntry{}, domain.Errorf(domain.ErrNotFound, "identity %s not found", entry.IdentityID)
	}
	entry.Seq = int64(len(tx.store.state.history)+len(tx.history)) + 1
	tx.history = append(tx.history, entry)
	tx.recordChange(Change{Entity: domain.EntityHistory, Action: domain.ActionCreate, IdentityID: entry.IdentityID, After: entry})
	return entry, nil
}
