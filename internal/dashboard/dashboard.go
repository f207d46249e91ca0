// Package dashboard manages persistent dashboards built from charts and
// analysis text. A dashboard owns an ordered widget list and a list of
// filters. Filters are dashboard-scoped: when a chart widget is
// re-rendered, the dashboard's filters (or the subset linked to that
// widget) are applied to the chart's stored query first.
package dashboard

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/nikhil-bora/finops-agent/internal/charts"
	"github.com/nikhil-bora/finops-agent/internal/docstore"
)

// Namespace is the docstore namespace holding dashboards.
const Namespace = "dashboard"

// Errors returned by the manager.
var (
	ErrNotFound       = errors.New("dashboard not found")
	ErrWidgetNotFound = errors.New("widget not found")
	ErrFilterNotFound = errors.New("filter not found")
)

// Widget types.
const (
	WidgetChart = "chart"
	WidgetText  = "text"
)

// Filter types.
const (
	FilterDateRange = "date_range"
	FilterService   = "service"
	FilterRegion    = "region"
	FilterAccount   = "account"
)

// Widget is one tile on a dashboard.
type Widget struct {
	ID            string     `json:"id"`
	Type          string     `json:"type"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	ChartURL      string     `json:"chart_url,omitempty"`
	Content       string     `json:"content,omitempty"`
	Position      int        `json:"position"`
	Width         string     `json:"width,omitempty"` // full, half or third
	LinkedFilters []string   `json:"linked_filters,omitempty"`
	Created       time.Time  `json:"created"`
	Updated       *time.Time `json:"updated,omitempty"`
}

// ChartID returns the chart template id a chart widget points at: the
// served filename without its extension.
func (w Widget) ChartID() string {
	if w.Type != WidgetChart || w.ChartURL == "" {
		return ""
	}
	name := w.ChartURL[strings.LastIndex(w.ChartURL, "/")+1:]
	return strings.TrimSuffix(name, ".html")
}

// Filter is a dashboard-level filter.
type Filter struct {
	ID      string     `json:"id"`
	Type    string     `json:"type"`
	Name    string     `json:"name,omitempty"`
	Value   string     `json:"value,omitempty"`
	Start   string     `json:"start,omitempty"`
	End     string     `json:"end,omitempty"`
	Created time.Time  `json:"created"`
	Updated *time.Time `json:"updated,omitempty"`
}

// Dashboard is the persisted record.
type Dashboard struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	Created        time.Time `json:"created"`
	Updated        time.Time `json:"updated"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Widgets        []Widget  `json:"widgets"`
	Filters        []Filter  `json:"filters"`
	Layout         string    `json:"layout"`
}

// Summary is the list view of a dashboard.
type Summary struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Created     time.Time `json:"created"`
	Updated     time.Time `json:"updated"`
	WidgetCount int       `json:"widget_count"`
}

// FiltersFor folds the filters that apply to w into chart filter
// values. A widget with linked filters sees only those; otherwise every
// dashboard filter applies. Later filters of the same type win.
func (d Dashboard) FiltersFor(w Widget) charts.Filters {
	linked := make(map[string]bool, len(w.LinkedFilters))
	for _, id := range w.LinkedFilters {
		linked[id] = true
	}

	var f charts.Filters
	for _, flt := range d.Filters {
		if len(linked) > 0 && !linked[flt.ID] {
			continue
		}
		switch flt.Type {
		case FilterDateRange:
			f.StartDate = flt.Start
			f.EndDate = flt.End
		case FilterService:
			f.Service = flt.Value
		case FilterRegion:
			f.Region = flt.Value
		case FilterAccount:
			f.Account = flt.Value
		}
	}
	return f
}

// Update is a partial dashboard change. Nil fields are left alone.
type Update struct {
	Name        *string   `json:"name,omitempty"`
	Description *string   `json:"description,omitempty"`
	Widgets     *[]Widget `json:"widgets,omitempty"`
}

// WidgetUpdate is a partial widget change.
type WidgetUpdate struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	ChartURL    *string `json:"chart_url,omitempty"`
	Content     *string `json:"content,omitempty"`
	Position    *int    `json:"position,omitempty"`
	Width       *string `json:"width,omitempty"`
}

// FilterUpdate is a partial filter change.
type FilterUpdate struct {
	Name  *string `json:"name,omitempty"`
	Value *string `json:"value,omitempty"`
	Start *string `json:"start,omitempty"`
	End   *string `json:"end,omitempty"`
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

// Manager owns dashboard records. Every mutation rewrites the whole
// record; concurrent writers to one dashboard race and the last wins.
type Manager struct {
	docs   *docstore.Collection[Dashboard]
	now    func() time.Time
	logger *slog.Logger
}

// NewManager returns a manager over the dashboard namespace of store.
func NewManager(store *docstore.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		docs:   docstore.NewCollection[Dashboard](store, Namespace),
		now:    time.Now,
		logger: logger.With("component", "dashboard"),
	}
}

// Create stores a new empty dashboard with id
// dash_<unix>_<first 20 chars of name, spaces as underscores>.
func (m *Manager) Create(name, description, conversationID string) (*Dashboard, error) {
	now := m.now().UTC()
	stem := strings.ReplaceAll(name, " ", "_")
	if r := []rune(stem); len(r) > 20 {
		stem = string(r[:20])
	}
	d := &Dashboard{
		ID:             fmt.Sprintf("dash_%d_%s", now.Unix(), stem),
		Name:           name,
		Description:    description,
		Created:        now,
		Updated:        now,
		ConversationID: conversationID,
		Widgets:        []Widget{},
		Filters:        []Filter{},
		Layout:         "grid",
	}
	if err := m.docs.Put(d.ID, *d); err != nil {
		return nil, fmt.Errorf("store dashboard: %w", err)
	}
	m.logger.Info("dashboard created", "dashboard_id", d.ID)
	return d, nil
}

// Get returns a dashboard.
func (m *Manager) Get(id string) (*Dashboard, error) {
	d, err := m.docs.Get(id)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if d.Filters == nil {
		d.Filters = []Filter{}
	}
	if d.Widgets == nil {
		d.Widgets = []Widget{}
	}
	if d.Layout == "" {
		d.Layout = "grid"
	}
	return &d, nil
}

// List returns dashboard summaries, most recently updated first.
func (m *Manager) List() ([]Summary, error) {
	all, err := m.docs.List()
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(all))
	for _, d := range all {
		out = append(out, Summary{
			ID:          d.ID,
			Name:        d.Name,
			Description: d.Description,
			Created:     d.Created,
			Updated:     d.Updated,
			WidgetCount: len(d.Widgets),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Updated.After(out[j].Updated) })
	return out, nil
}

// Delete removes a dashboard.
func (m *Manager) Delete(id string) error {
	err := m.docs.Delete(id)
	if errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return err
}

// mutate loads a dashboard, applies fn and stores the result with a
// fresh updated stamp.
func (m *Manager) mutate(id string, fn func(d *Dashboard, now time.Time) error) (*Dashboard, error) {
	d, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	if err := fn(d, now); err != nil {
		return nil, err
	}
	d.Updated = now
	if err := m.docs.Put(id, *d); err != nil {
		return nil, fmt.Errorf("store dashboard %s: %w", id, err)
	}
	return d, nil
}

// Update applies a partial change.
func (m *Manager) Update(id string, u Update) (*Dashboard, error) {
	return m.mutate(id, func(d *Dashboard, _ time.Time) error {
		setString(&d.Name, u.Name)
		setString(&d.Description, u.Description)
		if u.Widgets != nil {
			d.Widgets = *u.Widgets
		}
		return nil
	})
}

// AddWidget appends w with id widget_<unix>_<index>.
func (m *Manager) AddWidget(id string, w Widget) (*Widget, error) {
	var added Widget
	_, err := m.mutate(id, func(d *Dashboard, now time.Time) error {
		w.ID = fmt.Sprintf("widget_%d_%d", now.Unix(), len(d.Widgets))
		w.Created = now
		if w.Width == "" {
			w.Width = "full"
		}
		d.Widgets = append(d.Widgets, w)
		added = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &added, nil
}

// RemoveWidget drops a widget. Removing an unknown widget is not an
// error.
func (m *Manager) RemoveWidget(id, widgetID string) error {
	_, err := m.mutate(id, func(d *Dashboard, _ time.Time) error {
		kept := d.Widgets[:0]
		for _, w := range d.Widgets {
			if w.ID != widgetID {
				kept = append(kept, w)
			}
		}
		d.Widgets = kept
		return nil
	})
	return err
}

func findWidget(d *Dashboard, widgetID string) (*Widget, error) {
	for i := range d.Widgets {
		if d.Widgets[i].ID == widgetID {
			return &d.Widgets[i], nil
		}
	}
	return nil, fmt.Errorf("%s: %w", widgetID, ErrWidgetNotFound)
}

// UpdateWidget applies a partial change to one widget.
func (m *Manager) UpdateWidget(id, widgetID string, u WidgetUpdate) (*Dashboard, error) {
	return m.mutate(id, func(d *Dashboard, now time.Time) error {
		w, err := findWidget(d, widgetID)
		if err != nil {
			return err
		}
		setString(&w.Title, u.Title)
		setString(&w.Description, u.Description)
		setString(&w.ChartURL, u.ChartURL)
		setString(&w.Content, u.Content)
		setString(&w.Width, u.Width)
		if u.Position != nil {
			w.Position = *u.Position
		}
		w.Updated = &now
		return nil
	})
}

// AddFilter appends f with id filter_<unix>_<index>.
func (m *Manager) AddFilter(id string, f Filter) (*Dashboard, error) {
	switch f.Type {
	case FilterDateRange, FilterService, FilterRegion, FilterAccount:
	default:
		return nil, fmt.Errorf("unsupported filter type %q", f.Type)
	}
	return m.mutate(id, func(d *Dashboard, now time.Time) error {
		f.ID = fmt.Sprintf("filter_%d_%d", now.Unix(), len(d.Filters))
		f.Created = now
		d.Filters = append(d.Filters, f)
		return nil
	})
}

// UpdateFilter applies a partial change to one filter.
func (m *Manager) UpdateFilter(id, filterID string, u FilterUpdate) (*Dashboard, error) {
	return m.mutate(id, func(d *Dashboard, now time.Time) error {
		for i := range d.Filters {
			f := &d.Filters[i]
			if f.ID != filterID {
				continue
			}
			setString(&f.Name, u.Name)
			setString(&f.Value, u.Value)
			setString(&f.Start, u.Start)
			setString(&f.End, u.End)
			f.Updated = &now
			return nil
		}
		return fmt.Errorf("%s: %w", filterID, ErrFilterNotFound)
	})
}

// RemoveFilter drops a filter and unlinks it from every widget.
func (m *Manager) RemoveFilter(id, filterID string) (*Dashboard, error) {
	return m.mutate(id, func(d *Dashboard, _ time.Time) error {
		kept := d.Filters[:0]
		for _, f := range d.Filters {
			if f.ID != filterID {
				kept = append(kept, f)
			}
		}
		d.Filters = kept
		for i := range d.Widgets {
			w := &d.Widgets[i]
			links := w.LinkedFilters[:0]
			for _, l := range w.LinkedFilters {
				if l != filterID {
					links = append(links, l)
				}
			}
			w.LinkedFilters = links
		}
		return nil
	})
}

// LinkFilters sets the filters applied to one widget. Every id must
// name a filter on the dashboard.
func (m *Manager) LinkFilters(id, widgetID string, filterIDs []string) (*Dashboard, error) {
	return m.mutate(id, func(d *Dashboard, now time.Time) error {
		known := make(map[string]bool, len(d.Filters))
		for _, f := range d.Filters {
			known[f.ID] = true
		}
		for _, fid := range filterIDs {
			if !known[fid] {
				return fmt.Errorf("%s: %w", fid, ErrFilterNotFound)
			}
		}
		w, err := findWidget(d, widgetID)
		if err != nil {
			return err
		}
		w.LinkedFilters = append([]string(nil), filterIDs...)
		w.Updated = &now
		return nil
	})
}
