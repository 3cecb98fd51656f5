package crm

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Fields is the field map sent to the CRM for add/update calls
type Fields map[string]any

// Deal is the subset of a CRM deal used by the sync engine
type Deal struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	StageID     string    `json:"stage_id"`
	CategoryID  int       `json:"category_id"`
	ContactID   int64     `json:"contact_id,omitempty"`
	Opportunity string    `json:"opportunity,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type Contact struct {
	ID       int64
	Name     string
	LastName string
}

// Category is a deal pipeline (funnel)
type Category struct {
	ID   int
	Name string
	Sort int
}

// Stage is one step of a deal pipeline. Semantics is "S" for the success
// stage, "F" for failure stages and empty for in-progress ones
type Stage struct {
	ID        string
	Name      string
	Sort      int
	Semantics string
}

// flexInt decodes the CRM's ids, which arrive as "65", 65 or null
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*f = 0
		return nil
	}
	i, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return err
	}
	*f = flexInt(i)
	return nil
}

type wireDeal struct {
	ID          flexInt `json:"ID"`
	Title       string  `json:"TITLE"`
	StageID     string  `json:"STAGE_ID"`
	CategoryID  flexInt `json:"CATEGORY_ID"`
	ContactID   flexInt `json:"CONTACT_ID"`
	Opportunity any     `json:"OPPORTUNITY"`
	DateCreate  string  `json:"DATE_CREATE"`
}

func (w wireDeal) toDeal() Deal {
	d := Deal{
		ID:         int64(w.ID),
		Title:      w.Title,
		StageID:    w.StageID,
		CategoryID: int(w.CategoryID),
		ContactID:  int64(w.ContactID),
		CreatedAt:  parseTime(w.DateCreate),
	}
	switch v := w.Opportunity.(type) {
	case string:
		d.Opportunity = v
	case float64:
		d.Opportunity = strconv.FormatFloat(v, 'f', 2, 64)
	}
	return d
}

type wireContact struct {
	ID       flexInt `json:"ID"`
	Name     string  `json:"NAME"`
	LastName string  `json:"LAST_NAME"`
}

type wireCategory struct {
	ID   flexInt `json:"ID"`
	Name string  `json:"NAME"`
	Sort flexInt `json:"SORT"`
}

type wireStage struct {
	StatusID  string  `json:"STATUS_ID"`
	Name      string  `json:"NAME"`
	Sort      flexInt `json:"SORT"`
	Semantics string  `json:"SEMANTICS"`
	Extra     struct {
		Semantics string `json:"SEMANTICS"`
	} `json:"EXTRA"`
}

func (w wireStage) toStage() Stage {
	sem := w.Semantics
	if sem == "" {
		sem = w.Extra.Semantics
	}
	return Stage{
		ID:        w.StatusID,
		Name:      w.Name,
		Sort:      int(w.Sort),
		Semantics: strings.ToUpper(sem),
	}
}

// envelope is the common REST response shape
type envelope struct {
	Result           json.RawMessage `json:"result"`
	Next             *int            `json:"next"`
	Total            int             `json:"total"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05-0700", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
