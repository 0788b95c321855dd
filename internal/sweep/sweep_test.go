package sweep

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/JakeFAU/portal-harvester/internal/browser/fake"
	"github.com/JakeFAU/portal-harvester/internal/clock/manual"
	"github.com/JakeFAU/portal-harvester/internal/harvest"
	"github.com/JakeFAU/portal-harvester/internal/portal"
	"github.com/JakeFAU/portal-harvester/internal/progress"
	"github.com/JakeFAU/portal-harvester/internal/retry"
)

const (
	retryDelay   = 2 * time.Second
	readyTimeout = time.Second
	alertWindow  = 3 * time.Second
	resultsTable = `<table class="statistics-table"><tr><th>HSCode</th><th>Value</th></tr><tr><td>%s</td><td>5</td></tr></table>`
)

var epoch = time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC)

func testDimensions() []harvest.Dimension {
	return []harvest.Dimension{
		{Name: "manager", Control: "#manager", SelectBy: harvest.SelectByIndex, Values: []string{"1", "2", "3"}},
		{Name: "year", Control: "#year", SelectBy: harvest.SelectByText, Values: []string{"2024"}},
		{Name: "month", Control: "#month", SelectBy: harvest.SelectByText, Values: []string{"August"}},
	}
}

func portalControls() map[string][]fake.OptionSpec {
	return map[string][]fake.OptionSpec{
		"#manager": {
			{Value: "", Text: "Select"},
			{Value: "m1", Text: "Acme Funds"},
			{Value: "m2", Text: "Borealis"},
			{Value: "m3", Text: "Cobalt"},
		},
		"#year":  {{Value: "2024", Text: "2024"}},
		"#month": {{Value: "8", Text: "August"}},
	}
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) count(stage progress.Stage, entity string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Stage == stage && (entity == "" || e.Entity == entity) {
			n++
		}
	}
	return n
}

type harness struct {
	session *fake.Session
	clock   *manual.Clock
	emitter *recordingEmitter
	driver  *Driver
}

func newHarness(t *testing.T, session *fake.Session, mutate func(*Config)) *harness {
	t.Helper()
	clk := manual.New(epoch)
	logger := zap.NewNop()
	nav := portal.NewNavigator(session, clk, portal.NavigatorConfig{
		SubmitSelector: "#submit",
		ReadySelector:  "table.statistics-table",
		PollInterval:   100 * time.Millisecond,
	}, logger)
	guard := portal.NewAlertGuard(session, clk, 500*time.Millisecond, logger)
	emitter := &recordingEmitter{}
	cfg := Config{
		RunID:         uuid.New(),
		Dimensions:    testDimensions(),
		TableSelector: "table.statistics-table",
		RowPolicies:   []harvest.RowPolicy{harvest.RowHeaderThenData},
		MaxAttempts:   3,
		RetryDelay:    retryDelay,
		ReadyTimeout:  readyTimeout,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	driver, err := New(cfg, Deps{
		Navigator:   nav,
		Extractor:   portal.NewExtractor(session, portal.ExtractorConfig{MaxTables: 9}, logger),
		Coordinator: retry.NewCoordinator(guard, clk, alertWindow, logger),
		Clock:       clk,
		Emitter:     emitter,
		Logger:      logger,
	})
	require.NoError(t, err)
	return &harness{session: session, clock: clk, emitter: emitter, driver: driver}
}

func TestEnumerateOrder(t *testing.T) {
	t.Parallel()

	points := Enumerate([]harvest.Dimension{
		{Name: "country", Values: []string{"IN", "US"}},
		{Name: "year", Values: []string{"2023", "2024"}},
		{Name: "month", Values: []string{"Jan"}},
	})
	keys := make([]string, 0, len(points))
	for _, p := range points {
		keys = append(keys, p.Suffix())
	}
	require.Equal(t, []string{"IN_2023_Jan", "IN_2024_Jan", "US_2023_Jan", "US_2024_Jan"}, keys)
	require.Nil(t, Enumerate([]harvest.Dimension{{Name: "a", Values: nil}}))
	require.Nil(t, Enumerate(nil))
}

func TestEnumerateCartesianProperty(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 4).Draw(rt, "dims")
		dims := make([]harvest.Dimension, n)
		want := 1
		for i := range dims {
			size := rapid.IntRange(1, 4).Draw(rt, fmt.Sprintf("size%d", i))
			values := make([]string, size)
			for j := range values {
				values[j] = fmt.Sprintf("v%d", j)
			}
			dims[i] = harvest.Dimension{Name: fmt.Sprintf("d%d", i), Values: values}
			want *= size
		}

		points := Enumerate(dims)
		if len(points) != want {
			rt.Fatalf("got %d points, want %d", len(points), want)
		}
		seen := make(map[string]struct{}, len(points))
		for _, p := range points {
			seen[p.Key()] = struct{}{}
		}
		if len(seen) != want {
			rt.Fatalf("got %d unique points, want %d", len(seen), want)
		}
		first, _ := points[0].Value("d0")
		last, _ := points[len(points)-1].Value("d0")
		if first != dims[0].Values[0] || last != dims[0].Values[len(dims[0].Values)-1] {
			rt.Fatalf("outer dimension not slowest: first %s last %s", first, last)
		}
	})
}

func TestSweepExhaustsAlwaysTransientEntity(t *testing.T) {
	t.Parallel()

	submits := map[string]int{}
	session := fake.New(portalControls(), "#submit", "table.statistics-table", func(sel fake.Selection) fake.Response {
		manager := sel.Values["#manager"]
		submits[manager]++
		if manager == "m2" {
			return fake.Response{}
		}
		return fake.Response{HTML: fmt.Sprintf(resultsTable, manager)}
	})
	h := newHarness(t, session, nil)

	dataset, summary, err := h.driver.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 3, submits["m2"])
	require.Equal(t, 1, submits["m1"])
	require.Equal(t, 1, submits["m3"])
	require.Equal(t, 2, h.clock.SleepsOf(retryDelay))

	require.Equal(t, 3, summary.Total)
	require.Len(t, summary.Succeeded, 2)
	require.Len(t, summary.Failed, 1)
	failure := summary.Failed[0]
	require.True(t, failure.Exhausted)
	require.Equal(t, 3, failure.Attempts)
	require.ErrorIs(t, failure.Cause, harvest.ErrReadyTimeout)
	entity, _ := failure.Point.Value("manager")
	require.Equal(t, "2", entity)

	require.Equal(t, 2, dataset.Len())
	groups := dataset.GroupBy("manager")
	require.Len(t, groups, 2)
	require.Equal(t, "Acme Funds", groups[0].Label)
	require.Equal(t, "Cobalt", groups[1].Label)
	require.Equal(t, 2, h.emitter.count(progress.StagePointRetry, "2"))
	require.Equal(t, 1, h.emitter.count(progress.StagePointFailed, ""))
}

func TestSweepRecoversFromAlerts(t *testing.T) {
	t.Parallel()

	alerts := 0
	session := fake.New(portalControls(), "#submit", "table.statistics-table", func(sel fake.Selection) fake.Response {
		manager := sel.Values["#manager"]
		if manager == "m2" && alerts < 2 {
			alerts++
			return fake.Response{Alert: "Server busy, please retry"}
		}
		return fake.Response{HTML: fmt.Sprintf(resultsTable, manager)}
	})
	h := newHarness(t, session, nil)

	dataset, summary, err := h.driver.Run(context.Background())
	require.NoError(t, err)
	require.Empty(t, summary.Failed)
	require.Len(t, summary.Succeeded, 3)
	require.Equal(t, 3, dataset.Len())
	require.Equal(t, 2, session.Calls("DismissAlert"))
	require.Equal(t, 2, h.emitter.count(progress.StagePointAlert, "2"))
	require.Equal(t, 3, h.emitter.count(progress.StagePointDone, ""))

	entry, ok := dataset.Get(Enumerate(testDimensions())[1])
	require.True(t, ok)
	require.Equal(t, "Borealis", entry.Label("manager"))
	require.Equal(t, [][]string{{"HSCode", "Value"}, {"m2", "5"}}, entry.Tables[0].Rows)
}

func TestSweepSkipsMissingControl(t *testing.T) {
	t.Parallel()

	session := fake.New(portalControls(), "#submit", "table.statistics-table", func(sel fake.Selection) fake.Response {
		return fake.Response{HTML: fmt.Sprintf(resultsTable, sel.Values["#manager"])}
	})
	h := newHarness(t, session, func(cfg *Config) {
		cfg.Dimensions[0].Values = []string{"1", "9"}
	})

	dataset, summary, err := h.driver.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, dataset.Len())
	require.Len(t, summary.Failed, 1)
	require.False(t, summary.Failed[0].Exhausted)
	require.Equal(t, 1, summary.Failed[0].Attempts)
	require.ErrorIs(t, summary.Failed[0].Cause, harvest.ErrControlNotFound)
	require.Zero(t, h.clock.SleepsOf(retryDelay))
}

func TestSweepAbortsOnSessionFault(t *testing.T) {
	t.Parallel()

	session := fake.New(portalControls(), "#submit", "table.statistics-table", func(sel fake.Selection) fake.Response {
		if sel.Values["#manager"] == "m2" {
			return fake.Response{Alert: "Session expired"}
		}
		return fake.Response{HTML: fmt.Sprintf(resultsTable, sel.Values["#manager"])}
	})
	session.Fault = func(method string) error {
		if method == "DismissAlert" {
			return fmt.Errorf("tab crashed: %w", harvest.ErrSessionFault)
		}
		return nil
	}
	h := newHarness(t, session, nil)

	dataset, summary, err := h.driver.Run(context.Background())
	require.ErrorIs(t, err, harvest.ErrSessionFault)
	require.True(t, summary.Aborted)
	require.Equal(t, 1, dataset.Len())
	require.Len(t, summary.Succeeded, 1)
}

func TestSweepGoBackOnStatefulPortal(t *testing.T) {
	t.Parallel()

	respond := func(sel fake.Selection) fake.Response {
		return fake.Response{HTML: fmt.Sprintf(resultsTable, sel.Values["#manager"])}
	}

	stateful := fake.New(portalControls(), "#submit", "table.statistics-table", respond)
	stateful.Stateful = true
	h := newHarness(t, stateful, func(cfg *Config) { cfg.GoBack = true })
	dataset, summary, err := h.driver.Run(context.Background())
	require.NoError(t, err)
	require.Empty(t, summary.Failed)
	require.Equal(t, 3, dataset.Len())
	require.Equal(t, 2, stateful.Calls("GoBack"))

	stuck := fake.New(portalControls(), "#submit", "table.statistics-table", respond)
	stuck.Stateful = true
	h = newHarness(t, stuck, nil)
	dataset, summary, err = h.driver.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, dataset.Len())
	require.Len(t, summary.Failed, 2)
}

func TestSweepGoBackAfterResultsNeverRender(t *testing.T) {
	t.Parallel()

	session := fake.New(portalControls(), "#submit", "table.statistics-table", func(sel fake.Selection) fake.Response {
		manager := sel.Values["#manager"]
		if manager == "m1" {
			return fake.Response{Pending: true}
		}
		return fake.Response{HTML: fmt.Sprintf(resultsTable, manager)}
	})
	session.Stateful = true
	h := newHarness(t, session, func(cfg *Config) { cfg.GoBack = true })

	dataset, summary, err := h.driver.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Failed, 1)
	require.True(t, summary.Failed[0].Exhausted)
	require.Equal(t, 3, summary.Failed[0].Attempts)
	require.ErrorIs(t, summary.Failed[0].Cause, harvest.ErrReadyTimeout)
	require.Equal(t, 2, dataset.Len())
	require.Len(t, summary.Succeeded, 2)
	// two retries of the first manager plus one return per later manager
	require.Equal(t, 4, session.Calls("GoBack"))
}

func TestSweepAppliesPresetsAfterEntity(t *testing.T) {
	t.Parallel()

	var clicked [][]string
	controls := portalControls()
	controls["#hslevel"] = []fake.OptionSpec{{Value: "2", Text: "2"}, {Value: "8", Text: "8"}}
	session := fake.New(controls, "#submit", "table.statistics-table", func(sel fake.Selection) fake.Response {
		clicked = append(clicked, sel.Clicked)
		return fake.Response{HTML: fmt.Sprintf(resultsTable, sel.Values["#hslevel"])}
	})
	session.Clickables = []string{"#radioValue"}
	h := newHarness(t, session, func(cfg *Config) {
		cfg.Dimensions[0].Values = []string{"1"}
		cfg.EntityDimension = "manager"
		cfg.SettleDelay = 750 * time.Millisecond
		cfg.Presets = []harvest.Preset{
			{Control: "#hslevel", Action: harvest.PresetSelect, SelectBy: harvest.SelectByValue, Value: "8"},
			{Control: "#radioValue", Action: harvest.PresetClick},
		}
	})

	dataset, _, err := h.driver.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, [][]string{{"#radioValue"}}, clicked)
	require.Equal(t, "8", dataset.Entries()[0].Tables[0].Rows[1][0])
	require.Equal(t, 1, h.clock.SleepsOf(750*time.Millisecond))
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()

	clk := manual.New(epoch)
	deps := Deps{
		Navigator:   portal.NewNavigator(fake.New(nil, "", "", nil), clk, portal.NavigatorConfig{}, nil),
		Extractor:   portal.NewExtractor(fake.New(nil, "", "", nil), portal.ExtractorConfig{}, nil),
		Coordinator: retry.NewCoordinator(nil, clk, 0, nil),
		Clock:       clk,
	}
	_, err := New(Config{Dimensions: testDimensions(), TableSelector: "table", EntityDimension: "country"}, deps)
	require.Error(t, err)
	_, err = New(Config{Dimensions: testDimensions()}, deps)
	require.Error(t, err)
	dims := testDimensions()
	dims[1].Name = "manager"
	_, err = New(Config{Dimensions: dims, TableSelector: "table"}, deps)
	require.Error(t, err)
}

func TestPointStateTransitions(t *testing.T) {
	t.Parallel()

	st := &pointState{}
	for _, next := range []phase{phaseSelecting, phaseSubmitting, phaseWaiting, phaseInterrupted, phaseRetrying, phaseSelecting, phaseSubmitting, phaseWaiting, phaseExtracted} {
		require.NoError(t, st.to(next), "to %s", next)
	}
	require.True(t, st.terminal())
	require.ErrorIs(t, st.to(phaseSelecting), errIllegalTransition)

	st = &pointState{}
	require.ErrorIs(t, st.to(phaseWaiting), errIllegalTransition)
	require.NoError(t, st.to(phaseSelecting))
	require.NoError(t, st.to(phaseInterrupted))
	require.ErrorIs(t, st.to(phaseSkipped), errIllegalTransition)
	require.NoError(t, st.to(phaseExhausted))
	require.True(t, st.terminal())
}
