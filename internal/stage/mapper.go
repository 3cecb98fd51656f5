package stage

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/js-owl/maas-back/internal/crm"
	"github.com/js-owl/maas-back/internal/models"
	"golang.org/x/text/cases"
)

// Source loads the pipeline configuration from the CRM
type Source interface {
	DealCategories(ctx context.Context) ([]crm.Category, error)
	CategoryStages(ctx context.Context, categoryID int) ([]crm.Stage, error)
	CreateDealCategory(ctx context.Context, name string, stages []crm.Stage) (int, error)
}

type Options struct {
	// CategoryID pins the pipeline. When zero the pipeline is looked up by
	// FunnelName, and an empty FunnelName selects the default pipeline
	CategoryID int
	FunnelName string
	// CreateFunnel creates the FunnelName pipeline with FunnelStages when the
	// CRM has no pipeline of that name
	CreateFunnel bool
	// Overrides maps stage ids (bare or prefixed) or stage names to a status
	Overrides map[string]models.OrderStatus
	Logger    *slog.Logger
}

// Default stage names per status, as shipped by the CRM in Russian and English
var defaultNames = map[models.OrderStatus][]string{
	models.StatusPending:    {"Новая", "Новый заказ", "New", "New Order"},
	models.StatusProcessing: {"В работе", "Подготовка документов", "Счёт на предоплату", "Финальный счёт", "In Work", "In Production", "Executing", "Preparation", "Prepayment invoice", "Final invoice"},
	models.StatusCompleted:  {"Сделка успешна", "Won", "Deal won", "Completed"},
	models.StatusCancelled:  {"Сделка провалена", "Анализ причины провала", "Lost", "Deal lost", "Cancelled", "Analyze failure"},
}

// Stage id naming conventions of the CRM, used when no configuration could be loaded
var conventions = map[string]models.OrderStatus{
	"NEW":                models.StatusPending,
	"PREPARATION":        models.StatusProcessing,
	"PREPAYMENT_INVOICE": models.StatusProcessing,
	"EXECUTING":          models.StatusProcessing,
	"FINAL_INVOICE":      models.StatusProcessing,
	"WON":                models.StatusCompleted,
	"LOSE":               models.StatusCancelled,
	"APOLOGY":            models.StatusCancelled,
}

// FunnelStages are the stages of a pipeline created by the mapper
var FunnelStages = []crm.Stage{
	{Name: "New Order", Sort: 10, Semantics: "P"},
	{Name: "In Production", Sort: 20, Semantics: "P"},
	{Name: "Completed", Sort: 30, Semantics: "S"},
	{Name: "Cancelled", Sort: 40, Semantics: "F"},
}

var conventionalStage = map[models.OrderStatus]string{
	models.StatusPending:    "NEW",
	models.StatusProcessing: "EXECUTING",
	models.StatusCompleted:  "WON",
	models.StatusCancelled:  "LOSE",
}

var prefixed = regexp.MustCompile(`^C(\d+):(.+)$`)

// Mapper translates CRM stage ids into local order statuses and back.
// Until Init succeeds it answers from naming conventions. A pipeline looked
// up by name stays unresolved until the lookup succeeds; meanwhile every
// deal counts as in scope and no stage is chosen for new deals
type Mapper struct {
	initMu     sync.Mutex
	mu         sync.RWMutex
	opts       Options
	logger     *slog.Logger
	ready      bool
	resolved   bool
	categoryID int
	byStage    map[string]models.OrderStatus
	byStatus   map[models.OrderStatus]string
	unmapped   []string
}

func New(opts Options) *Mapper {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	overrides := make(map[string]models.OrderStatus, len(opts.Overrides))
	for k, v := range opts.Overrides {
		overrides[fold(k)] = v
	}
	opts.Overrides = overrides

	return &Mapper{
		opts:       opts,
		logger:     opts.Logger.With("component", "stage_mapper"),
		categoryID: opts.CategoryID,
		resolved:   opts.CategoryID > 0 || opts.FunnelName == "",
	}
}

// Init loads the pipeline and its stages and builds the mapping table.
// On failure the mapper keeps working in fallback mode and the error is returned
func (m *Mapper) Init(ctx context.Context, src Source) error {
	m.initMu.Lock()
	defer m.initMu.Unlock()

	categoryID, err := m.resolveCategory(ctx, src)
	if err != nil {
		m.logger.Warn("pipeline lookup failed, using naming conventions", "error", err)
		return err
	}

	m.mu.Lock()
	m.resolved = true
	m.categoryID = categoryID
	m.mu.Unlock()

	stages, err := src.CategoryStages(ctx, categoryID)
	if err != nil {
		m.logger.Warn("stage list unavailable, using naming conventions", "category_id", categoryID, "error", err)
		return fmt.Errorf("load stages of category %d: %w", categoryID, err)
	}
	if len(stages) == 0 {
		m.logger.Warn("pipeline has no stages, using naming conventions", "category_id", categoryID)
		return fmt.Errorf("category %d has no stages", categoryID)
	}

	slices.SortStableFunc(stages, func(a, b crm.Stage) int { return a.Sort - b.Sort })

	byStage := make(map[string]models.OrderStatus, len(stages))
	byStatus := make(map[models.OrderStatus]string, len(models.Statuses))
	var unmapped []string

	for _, s := range stages {
		status, ok := m.classify(s)
		if !ok {
			unmapped = append(unmapped, s.ID)
			continue
		}
		byStage[s.ID] = status
		if _, seen := byStatus[status]; !seen {
			byStatus[status] = s.ID
		}
	}

	m.mu.Lock()
	m.ready = true
	m.byStage = byStage
	m.byStatus = byStatus
	m.unmapped = unmapped
	m.mu.Unlock()

	if len(unmapped) > 0 {
		m.logger.Warn("pipeline stages without a local status", "category_id", categoryID, "stages", unmapped)
	}
	m.logger.Info("stage mapping loaded", "category_id", categoryID, "stages", len(byStage))
	return nil
}

// EnsureInit retries Init only while the mapper is still in fallback mode
func (m *Mapper) EnsureInit(ctx context.Context, src Source) error {
	if m.Ready() {
		return nil
	}
	return m.Init(ctx, src)
}

// RetryInit calls EnsureInit every interval until the mapping is loaded or
// ctx is done
func (m *Mapper) RetryInit(ctx context.Context, src Source, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for !m.Ready() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.EnsureInit(ctx, src); err == nil {
				return
			}
		}
	}
}

// Ready reports whether the mapping was loaded from the CRM
func (m *Mapper) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready
}

// Resolved reports whether the target pipeline is known
func (m *Mapper) Resolved() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resolved
}

func (m *Mapper) CategoryID() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.categoryID
}

// Unmapped lists the loaded stages that no rule could assign to a status
func (m *Mapper) Unmapped() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.unmapped)
}

// MapStage returns the local status of a CRM stage id. The id may be bare
// (EXECUTING) or carry its category prefix (C1:EXECUTING)
func (m *Mapper) MapStage(stageID string) (models.OrderStatus, bool) {
	stageID = strings.TrimSpace(stageID)
	if stageID == "" {
		return "", false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	_, bare, hasPrefix := splitStageID(stageID)

	if !m.ready {
		if status, ok := m.override(stageID, bare); ok {
			return status, true
		}
		status, ok := conventions[strings.ToUpper(bare)]
		return status, ok
	}

	if status, ok := m.byStage[stageID]; ok {
		return status, true
	}
	if !hasPrefix {
		if status, ok := m.byStage[m.qualify(bare)]; ok {
			return status, true
		}
	}
	return "", false
}

// StageFor returns the stage a deal with the given status is placed in
func (m *Mapper) StageFor(status models.OrderStatus) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.ready {
		id, ok := m.byStatus[status]
		return id, ok
	}
	if !m.resolved {
		return "", false
	}
	bare, ok := conventionalStage[status]
	if !ok {
		return "", false
	}
	return m.qualify(bare), true
}

// InPipeline reports whether a deal with the reported CATEGORY_ID and
// STAGE_ID belongs to the configured pipeline. Missing values are in scope,
// and so is everything while the pipeline is unresolved
func (m *Mapper) InPipeline(categoryID, stageID string) bool {
	m.mu.RLock()
	want, resolved := m.categoryID, m.resolved
	m.mu.RUnlock()
	if !resolved {
		return true
	}

	if categoryID = strings.TrimSpace(categoryID); categoryID != "" {
		if cat, err := strconv.Atoi(categoryID); err == nil {
			return cat == want
		}
	}
	if stageID = strings.TrimSpace(stageID); stageID != "" {
		cat, _, _ := splitStageID(stageID)
		return cat == want
	}
	return true
}

func (m *Mapper) resolveCategory(ctx context.Context, src Source) (int, error) {
	if m.opts.CategoryID > 0 || m.opts.FunnelName == "" {
		return m.opts.CategoryID, nil
	}

	categories, err := src.DealCategories(ctx)
	if err != nil {
		return 0, fmt.Errorf("list deal categories: %w", err)
	}
	want := fold(m.opts.FunnelName)
	for _, c := range categories {
		if fold(c.Name) == want {
			return c.ID, nil
		}
	}
	if !m.opts.CreateFunnel {
		return 0, fmt.Errorf("pipeline %q not found among %d categories", m.opts.FunnelName, len(categories))
	}

	id, err := src.CreateDealCategory(ctx, m.opts.FunnelName, slices.Clone(FunnelStages))
	if err != nil {
		return 0, fmt.Errorf("create pipeline %q: %w", m.opts.FunnelName, err)
	}
	m.logger.Info("pipeline created", "name", m.opts.FunnelName, "category_id", id)
	return id, nil
}

// classify applies, in order: explicit overrides, the default name table,
// stage semantics and finally id conventions
func (m *Mapper) classify(s crm.Stage) (models.OrderStatus, bool) {
	_, bare, _ := splitStageID(s.ID)
	if status, ok := m.override(s.ID, bare); ok {
		return status, true
	}
	if status, ok := m.opts.Overrides[fold(s.Name)]; ok {
		return status, true
	}

	name := fold(s.Name)
	for _, status := range models.Statuses {
		for _, candidate := range defaultNames[status] {
			if fold(candidate) == name {
				return status, true
			}
		}
	}

	switch {
	case strings.HasPrefix(s.Semantics, "S"):
		return models.StatusCompleted, true
	case strings.HasPrefix(s.Semantics, "F"):
		return models.StatusCancelled, true
	}

	status, ok := conventions[strings.ToUpper(bare)]
	return status, ok
}

func (m *Mapper) override(stageID, bare string) (models.OrderStatus, bool) {
	if status, ok := m.opts.Overrides[fold(stageID)]; ok {
		return status, true
	}
	status, ok := m.opts.Overrides[fold(bare)]
	return status, ok
}

// qualify adds the category prefix used by non-default pipelines
func (m *Mapper) qualify(bare string) string {
	if m.categoryID == 0 {
		return bare
	}
	return "C" + strconv.Itoa(m.categoryID) + ":" + bare
}

// ParseOverrides reads "STAGE=status,Stage name=status" pairs
func ParseOverrides(s string) (map[string]models.OrderStatus, error) {
	out := make(map[string]models.OrderStatus)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("stage map entry %q: expected STAGE=status", pair)
		}
		status := models.OrderStatus(strings.ToLower(strings.TrimSpace(value)))
		if !status.Valid() {
			return nil, fmt.Errorf("stage map entry %q: unknown status %q", pair, value)
		}
		out[strings.TrimSpace(key)] = status
	}
	return out, nil
}

func splitStageID(id string) (category int, bare string, hasPrefix bool) {
	match := prefixed.FindStringSubmatch(id)
	if match == nil {
		return 0, id, false
	}
	category, _ = strconv.Atoi(match[1])
	return category, match[2], true
}

func fold(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}
