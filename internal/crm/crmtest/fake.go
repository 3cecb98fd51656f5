// Package crmtest provides an in-memory CRM used by the sync engine tests
package crmtest

import (
	"cmp"
	"context"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/js-owl/maas-back/internal/crm"
)

// Fake mimics the subset of the CRM REST API the sync engine calls.
// Failures can be injected per method with Fail
type Fake struct {
	mu         sync.Mutex
	nextID     int64
	deals      map[int64]crm.Deal
	dealFields map[int64]crm.Fields
	contacts   map[int64]crm.Fields
	categories []crm.Category
	stages     map[int][]crm.Stage
	failures   map[string][]error
	calls      map[string]int
	now        time.Time
}

func NewFake() *Fake {
	return &Fake{
		nextID:     100,
		deals:      make(map[int64]crm.Deal),
		dealFields: make(map[int64]crm.Fields),
		contacts:   make(map[int64]crm.Fields),
		stages:     make(map[int][]crm.Stage),
		failures:   make(map[string][]error),
		calls:      make(map[string]int),
		now:        time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC),
	}
}

// NotFound builds the error the CRM returns for a missing entity
func NotFound(method string) error {
	return &crm.Error{Method: method, StatusCode: http.StatusBadRequest, Message: "Not found"}
}

// Invalid builds a validation error
func Invalid(method string) error {
	return &crm.Error{Method: method, StatusCode: http.StatusBadRequest, Message: "Required fields are missing"}
}

// Unavailable builds a transient server error
func Unavailable(method string) error {
	return &crm.Error{Method: method, StatusCode: http.StatusServiceUnavailable, Code: "QUERY_LIMIT_EXCEEDED", Message: "Too many requests"}
}

// Fail queues errs to be returned by the next calls of method, in order
func (f *Fake) Fail(method string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = append(f.failures[method], errs...)
}

// Calls returns how many times method was invoked
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// SetNextID sets the id the next created entity receives
func (f *Fake) SetNextID(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID = id
}

// PutDeal stores a deal as if it had been created out of band
func (f *Fake) PutDeal(d crm.Deal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = f.tick()
	}
	f.deals[d.ID] = d
}

// Deal returns the stored deal and whether it exists
func (f *Fake) Deal(id int64) (crm.Deal, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deals[id]
	return d, ok
}

// DealFields returns the fields last written for a deal
func (f *Fake) DealFields(id int64) crm.Fields {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dealFields[id]
}

func (f *Fake) DealCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deals)
}

func (f *Fake) Contact(id int64) (crm.Fields, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contacts[id]
	return c, ok
}

// SetPipeline configures a deal category and its stages
func (f *Fake) SetPipeline(cat crm.Category, stages []crm.Stage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.categories = append(f.categories, cat)
	f.stages[cat.ID] = stages
}

func (f *Fake) CreateDeal(_ context.Context, fields crm.Fields) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("crm.deal.add"); err != nil {
		return 0, err
	}
	id := f.nextID
	f.nextID++
	d := crm.Deal{ID: id, CreatedAt: f.tick()}
	applyDealFields(&d, fields)
	f.deals[id] = d
	f.dealFields[id] = fields
	return id, nil
}

func (f *Fake) UpdateDeal(_ context.Context, id int64, fields crm.Fields) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("crm.deal.update"); err != nil {
		return err
	}
	d, ok := f.deals[id]
	if !ok {
		return NotFound("crm.deal.update")
	}
	applyDealFields(&d, fields)
	f.deals[id] = d
	merged := crm.Fields{}
	for k, v := range f.dealFields[id] {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	f.dealFields[id] = merged
	return nil
}

func (f *Fake) GetDeal(_ context.Context, id int64) (crm.Deal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("crm.deal.get"); err != nil {
		return crm.Deal{}, err
	}
	d, ok := f.deals[id]
	if !ok {
		return crm.Deal{}, NotFound("crm.deal.get")
	}
	return d, nil
}

func (f *Fake) DeleteDeal(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("crm.deal.delete"); err != nil {
		return err
	}
	if _, ok := f.deals[id]; !ok {
		return NotFound("crm.deal.delete")
	}
	delete(f.deals, id)
	delete(f.dealFields, id)
	return nil
}

// ListDeals supports the "%TITLE" substring filter and exact CATEGORY_ID
func (f *Fake) ListDeals(_ context.Context, filter map[string]any) ([]crm.Deal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("crm.deal.list"); err != nil {
		return nil, err
	}
	var out []crm.Deal
	for _, d := range f.deals {
		if sub, ok := filter["%TITLE"].(string); ok && !strings.Contains(d.Title, sub) {
			continue
		}
		if cat, ok := filter["CATEGORY_ID"].(int); ok && d.CategoryID != cat {
			continue
		}
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b crm.Deal) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (f *Fake) CreateContact(_ context.Context, fields crm.Fields) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("crm.contact.add"); err != nil {
		return 0, err
	}
	id := f.nextID
	f.nextID++
	f.contacts[id] = fields
	return id, nil
}

func (f *Fake) UpdateContact(_ context.Context, id int64, fields crm.Fields) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("crm.contact.update"); err != nil {
		return err
	}
	if _, ok := f.contacts[id]; !ok {
		return NotFound("crm.contact.update")
	}
	f.contacts[id] = fields
	return nil
}

func (f *Fake) GetContact(_ context.Context, id int64) (crm.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("crm.contact.get"); err != nil {
		return crm.Contact{}, err
	}
	c, ok := f.contacts[id]
	if !ok {
		return crm.Contact{}, NotFound("crm.contact.get")
	}
	name, _ := c["NAME"].(string)
	last, _ := c["LAST_NAME"].(string)
	return crm.Contact{ID: id, Name: name, LastName: last}, nil
}

func (f *Fake) DealCategories(_ context.Context) ([]crm.Category, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("crm.dealcategory.list"); err != nil {
		return nil, err
	}
	return slices.Clone(f.categories), nil
}

func (f *Fake) CategoryStages(_ context.Context, categoryID int) ([]crm.Stage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("crm.status.entity.items"); err != nil {
		return nil, err
	}
	return slices.Clone(f.stages[categoryID]), nil
}

// CreateDealCategory adds a pipeline. Stage ids follow the CRM's scheme:
// the first stage is NEW, success is WON, the first failure is LOSE and
// the rest get generated UC_ ids
func (f *Fake) CreateDealCategory(_ context.Context, name string, stages []crm.Stage) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("crm.dealcategory.add"); err != nil {
		return 0, err
	}

	id := 1
	for _, c := range f.categories {
		id = max(id, c.ID+1)
	}
	prefix := "C" + strconv.Itoa(id) + ":"

	created := make([]crm.Stage, 0, len(stages))
	lost := false
	for i, s := range stages {
		bare := "UC_" + strconv.Itoa(i)
		switch {
		case i == 0:
			bare = "NEW"
		case strings.HasPrefix(s.Semantics, "S"):
			bare = "WON"
		case strings.HasPrefix(s.Semantics, "F") && !lost:
			bare, lost = "LOSE", true
		}
		s.ID = prefix + bare
		created = append(created, s)
	}

	f.categories = append(f.categories, crm.Category{ID: id, Name: name})
	f.stages[id] = created
	return id, nil
}

// enter records the call and pops an injected failure, if any. Caller holds mu
func (f *Fake) enter(method string) error {
	f.calls[method]++
	queue := f.failures[method]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	f.failures[method] = queue[1:]
	return err
}

// tick hands out strictly increasing creation times. Caller holds mu
func (f *Fake) tick() time.Time {
	f.now = f.now.Add(time.Minute)
	return f.now
}

func applyDealFields(d *crm.Deal, fields crm.Fields) {
	if v, ok := fields["TITLE"].(string); ok {
		d.Title = v
	}
	if v, ok := fields["STAGE_ID"].(string); ok {
		d.StageID = v
	}
	if v, ok := fields["CATEGORY_ID"].(int); ok {
		d.CategoryID = v
	}
	if v, ok := fields["CONTACT_ID"].(int64); ok {
		d.ContactID = v
	}
	if v, ok := fields["OPPORTUNITY"].(string); ok {
		d.Opportunity = v
	}
}
