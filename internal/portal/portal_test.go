package portal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/portal-harvester/internal/browser/fake"
	"github.com/JakeFAU/portal-harvester/internal/clock/manual"
	"github.com/JakeFAU/portal-harvester/internal/harvest"
)

var epoch = time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC)

func newPortal(respond func(fake.Selection) fake.Response) *fake.Session {
	return fake.New(map[string][]fake.OptionSpec{
		"#manager": {{Value: "0", Text: "Select"}, {Value: "m1", Text: "Acme Funds"}, {Value: "m2", Text: "Borealis"}},
		"#year":    {{Value: "2023", Text: "2023"}, {Value: "2024", Text: "2024"}},
		"#hslevel": {{Value: "2", Text: "2 digit"}, {Value: "8", Text: "8 digit"}},
	}, "#submit", "table.statistics-table", respond)
}

func TestNavigatorSelectDimension(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	session := newPortal(nil)
	nav := NewNavigator(session, manual.New(epoch), NavigatorConfig{SubmitSelector: "#submit"}, zap.NewNop())

	tests := []struct {
		name    string
		dim     harvest.Dimension
		value   string
		label   string
		wantErr error
	}{
		{name: "by index", dim: harvest.Dimension{Name: "manager", Control: "#manager", SelectBy: harvest.SelectByIndex}, value: "2", label: "Borealis"},
		{name: "by text", dim: harvest.Dimension{Name: "year", Control: "#year", SelectBy: harvest.SelectByText}, value: "2024", label: "2024"},
		{name: "by value", dim: harvest.Dimension{Name: "manager", Control: "#manager", SelectBy: harvest.SelectByValue}, value: "m1", label: "Acme Funds"},
		{name: "missing control", dim: harvest.Dimension{Name: "month", Control: "#month", SelectBy: harvest.SelectByText}, value: "August", wantErr: harvest.ErrControlNotFound},
		{name: "missing option", dim: harvest.Dimension{Name: "year", Control: "#year", SelectBy: harvest.SelectByText}, value: "1999", wantErr: harvest.ErrControlNotFound},
	}
	for _, tc := range tests {
		label, err := nav.SelectDimension(ctx, tc.dim, tc.value)
		if tc.wantErr != nil {
			require.ErrorIs(t, err, tc.wantErr, tc.name)
			continue
		}
		require.NoError(t, err, tc.name)
		require.Equal(t, tc.label, label, tc.name)
	}

	_, err := nav.SelectDimension(ctx, harvest.Dimension{Name: "manager", Control: "#manager", SelectBy: harvest.SelectByIndex}, "x")
	require.Error(t, err)
	require.False(t, harvest.IsTransient(err))
}

func TestNavigatorSubmitAndWaitReady(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	session := newPortal(func(sel fake.Selection) fake.Response {
		return fake.Response{HTML: `<table class="statistics-table"><tr><td>` + sel.Texts["#year"] + `</td></tr></table>`}
	})
	clk := manual.New(epoch)
	nav := NewNavigator(session, clk, NavigatorConfig{SubmitSelector: "#submit", ReadySelector: "table.statistics-table"}, zap.NewNop())

	_, err := nav.SelectDimension(ctx, harvest.Dimension{Name: "year", Control: "#year", SelectBy: harvest.SelectByText}, "2023")
	require.NoError(t, err)
	require.NoError(t, nav.Submit(ctx))
	require.NoError(t, nav.WaitReady(ctx, time.Second))
	require.Empty(t, clk.Sleeps())
	require.Equal(t, 1, session.Submits())
}

func TestNavigatorWaitReadyTimesOut(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	session := newPortal(func(fake.Selection) fake.Response { return fake.Response{} })
	clk := manual.New(epoch)
	nav := NewNavigator(session, clk, NavigatorConfig{
		SubmitSelector: "#submit",
		ReadySelector:  "table.statistics-table",
		PollInterval:   300 * time.Millisecond,
	}, zap.NewNop())

	require.NoError(t, nav.Submit(ctx))
	err := nav.WaitReady(ctx, time.Second)
	require.ErrorIs(t, err, harvest.ErrReadyTimeout)
	require.True(t, harvest.IsTransient(err))

	var total time.Duration
	for _, d := range clk.Sleeps() {
		total += d
	}
	require.Equal(t, time.Second, total)
}

func TestNavigatorWaitReadyStopsOnAlert(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	session := newPortal(func(fake.Selection) fake.Response { return fake.Response{Alert: "No data"} })
	nav := NewNavigator(session, manual.New(epoch), NavigatorConfig{SubmitSelector: "#submit", ReadySelector: "table"}, zap.NewNop())

	require.NoError(t, nav.Submit(ctx))
	err := nav.WaitReady(ctx, time.Second)
	require.ErrorIs(t, err, harvest.ErrAlertInterruption)
}

func TestNavigatorPresetsAndOptionCount(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	var clicked []string
	session := newPortal(func(sel fake.Selection) fake.Response {
		clicked = sel.Clicked
		return fake.Response{HTML: "<table class=\"statistics-table\"></table>"}
	})
	session.Clickables = []string{"#radioValue"}
	nav := NewNavigator(session, manual.New(epoch), NavigatorConfig{SubmitSelector: "#submit"}, zap.NewNop())

	require.NoError(t, nav.ApplyPreset(ctx, harvest.Preset{Control: "#hslevel", Action: harvest.PresetSelect, SelectBy: harvest.SelectByValue, Value: "8"}))
	require.NoError(t, nav.ApplyPreset(ctx, harvest.Preset{Control: "#radioValue", Action: harvest.PresetClick}))
	require.Error(t, nav.ApplyPreset(ctx, harvest.Preset{Control: "#radioValue", Action: "hover"}))
	require.NoError(t, nav.Submit(ctx))
	require.Equal(t, []string{"#radioValue"}, clicked)

	count, err := nav.OptionCount(ctx, harvest.Dimension{Name: "manager", Control: "#manager"})
	require.NoError(t, err)
	require.Equal(t, 3, count)
}

func TestAlertGuard(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	session := newPortal(nil)
	clk := manual.New(epoch)
	guard := NewAlertGuard(session, clk, time.Second, zap.NewNop())

	signal, err := guard.CheckAndDismiss(ctx, 3*time.Second)
	require.NoError(t, err)
	require.False(t, signal.Retry())
	require.Equal(t, epoch.Add(3*time.Second), clk.Now())

	session.OpenAlert("Session busy")
	signal, err = guard.CheckAndDismiss(ctx, 3*time.Second)
	require.NoError(t, err)
	require.True(t, signal.Retry())
	require.Equal(t, "Session busy", signal.Text)
	require.Equal(t, 1, session.Calls("DismissAlert"))

	alert, err := session.CurrentAlert(ctx)
	require.NoError(t, err)
	require.Nil(t, alert)
}

func TestAlertGuardSessionFault(t *testing.T) {
	t.Parallel()

	session := newPortal(nil)
	session.Fault = func(method string) error {
		if method == "CurrentAlert" {
			return errors.Join(harvest.ErrSessionFault, errors.New("tab crashed"))
		}
		return nil
	}
	guard := NewAlertGuard(session, manual.New(epoch), time.Second, zap.NewNop())
	_, err := guard.CheckAndDismiss(context.Background(), time.Second)
	require.True(t, harvest.IsFatal(err))
}
