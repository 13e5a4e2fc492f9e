package status

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stinb/UnderstandForVSCode-sub000/transport"
)

func progress(t *testing.T, r *Reconciler, token transport.ProgressToken, value string) {
	t.Helper()
	require.NoError(t, r.Progress(token, json.RawMessage(value)))
}

func TestProgressAggregation(t *testing.T) {
	r := NewReconciler()
	r.SetLifecycle(Ready)
	r.SetDatabase("/p/db.und", DatabaseResolved)
	a, b := transport.IntID(1), transport.StringID("b")

	r.CreateProgress(a)
	r.CreateProgress(b)
	progress(t, r, a, `{"kind":"begin","title":"Analyzing"}`)
	progress(t, r, b, `{"kind":"begin","title":"Indexing","percentage":10}`)
	assert.Equal(t, Progress, r.Status().State)
	assert.Equal(t, 2, r.Status().Items)

	progress(t, r, a, `{"kind":"end"}`)
	assert.Equal(t, Progress, r.Status().State)
	assert.Equal(t, "Indexing", r.Status().Title)

	progress(t, r, b, `{"kind":"end"}`)
	s := r.Status()
	assert.Equal(t, Ready, s.State)
	assert.Equal(t, Database{Path: "/p/db.und", State: DatabaseResolved}, s.Database)
	assert.Zero(t, s.Items)
}

func TestReportInheritsTitle(t *testing.T) {
	r := NewReconciler()
	r.SetLifecycle(Ready)
	tok := transport.IntID(7)
	r.CreateProgress(tok)
	progress(t, r, tok, `{"kind":"begin","title":"Analyzing","cancellable":true}`)
	progress(t, r, tok, `{"kind":"report","message":"main.c","percentage":40}`)

	s := r.Status()
	assert.Equal(t, "Analyzing", s.Title)
	assert.Equal(t, "main.c", s.Message)
	assert.Equal(t, 40, s.Percentage)
	assert.True(t, s.Cancellable)
	assert.True(t, s.Actions().Cancel)

	progress(t, r, tok, `{"kind":"report","percentage":250}`)
	assert.Equal(t, 100, r.Status().Percentage)
	assert.Equal(t, "main.c", r.Status().Message)
}

func TestUnknownTokenIsIgnored(t *testing.T) {
	r := NewReconciler()
	r.SetLifecycle(Ready)
	changes := 0
	r.OnChange(func(Status) { changes++ })

	progress(t, r, transport.IntID(99), `{"kind":"begin","title":"x"}`)
	progress(t, r, transport.IntID(99), `{"kind":"end"}`)
	assert.Equal(t, Ready, r.Status().State)
	assert.Zero(t, changes)
}

func TestProgressRejectsBadValues(t *testing.T) {
	r := NewReconciler()
	assert.Error(t, r.Progress(transport.IntID(1), json.RawMessage(`{"kind":"middle"}`)))
	assert.Error(t, r.Progress(transport.IntID(1), json.RawMessage(`[`)))
}

func TestTeardownClearsProgress(t *testing.T) {
	for _, s := range []State{Idle, NoConnection} {
		t.Run(s.String(), func(t *testing.T) {
			r := NewReconciler()
			r.SetLifecycle(Ready)
			r.CreateProgress(transport.IntID(1))
			require.Equal(t, Progress, r.Status().State)

			r.SetLifecycle(s)
			assert.Equal(t, s, r.Status().State)
			assert.Empty(t, r.Items())
		})
	}
}

func TestProgressOverridesDatabaseState(t *testing.T) {
	r := NewReconciler()
	r.SetLifecycle(Ready)
	r.SetDatabase("", DatabaseNoProject)
	r.CreateProgress(transport.IntID(1))
	assert.Equal(t, Progress, r.Status().State)
	assert.Equal(t, DatabaseNoProject, r.Status().Database.State)
}

func TestResolvedFiresOncePerResolution(t *testing.T) {
	r := NewReconciler()
	var got []string
	r.OnResolved(func(path string) { got = append(got, path) })

	r.SetDatabase("/a.und", DatabaseResolving)
	r.SetDatabase("/a.und", DatabaseResolved)
	r.SetDatabase("/a.und", DatabaseResolved)
	assert.Equal(t, []string{"/a.und"}, got)

	r.SetDatabase("/b.und", DatabaseResolved)
	assert.Equal(t, []string{"/a.und", "/b.und"}, got)

	r.SetDatabase("/b.und", DatabaseUnresolved)
	r.SetDatabase("/b.und", DatabaseResolved)
	assert.Equal(t, []string{"/a.und", "/b.und", "/b.und"}, got)
}

func TestOnChangeOnlyOnRealChanges(t *testing.T) {
	r := NewReconciler()
	var seen []State
	r.OnChange(func(s Status) { seen = append(seen, s.State) })

	r.SetLifecycle(Connecting)
	r.SetLifecycle(Connecting)
	r.SetLifecycle(Ready)
	r.CreateProgress(transport.IntID(1))
	r.CreateProgress(transport.IntID(1))
	assert.Equal(t, []State{Connecting, Ready, Progress}, seen)
}

func TestItemsInCreationOrder(t *testing.T) {
	r := NewReconciler()
	r.CreateProgress(transport.StringID("z"))
	r.CreateProgress(transport.IntID(3))
	r.CreateProgress(transport.StringID("a"))
	progress(t, r, transport.StringID("z"), `{"kind":"begin","title":"late update"}`)

	var tokens []string
	for _, it := range r.Items() {
		tokens = append(tokens, it.Token.String())
	}
	assert.Equal(t, []string{`"z"`, "3", `"a"`}, tokens)
}

func TestReset(t *testing.T) {
	r := NewReconciler()
	r.SetLifecycle(Ready)
	r.SetDatabase("/a.und", DatabaseResolved)
	r.CreateProgress(transport.IntID(1))

	r.Reset()
	s := r.Status()
	assert.Equal(t, Idle, s.State)
	assert.Equal(t, Database{}, s.Database)
	assert.Zero(t, s.Items)
}

func TestParseDatabaseState(t *testing.T) {
	for _, s := range []string{"finding", "noProject", "unableToOpen", "empty", "resolved", "resolving", "unresolved", "wrongVersion"} {
		d, err := ParseDatabaseState(s)
		require.NoError(t, err, s)
		assert.Equal(t, s, string(d))
		assert.NotEmpty(t, d.Label())
	}
	_, err := ParseDatabaseState("Resolved")
	assert.Error(t, err)
	_, err = ParseDatabaseState("")
	assert.Error(t, err)
}

func TestActions(t *testing.T) {
	tests := []struct {
		name   string
		status Status
		want   Actions
	}{
		{"idle", Status{State: Idle}, Actions{Restart: true, OpenProject: true}},
		{"connecting", Status{State: Connecting}, Actions{}},
		{"resolved", Status{State: Ready, Database: Database{State: DatabaseResolved}}, Actions{Analyze: true, Restart: true}},
		{"no project", Status{State: Ready, Database: Database{State: DatabaseNoProject}}, Actions{OpenProject: true, Restart: true}},
		{"resolving", Status{State: Ready, Database: Database{State: DatabaseResolving}}, Actions{Restart: true}},
		{"progress", Status{State: Progress}, Actions{Restart: true}},
		{"cancellable progress", Status{State: Progress, Cancellable: true}, Actions{Cancel: true, Restart: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.Actions())
		})
	}
}

func TestRender(t *testing.T) {
	tests := []struct {
		name   string
		status Status
		want   []string
	}{
		{"idle", Status{State: Idle, Percentage: -1}, []string{"Understand", "Idle"}},
		{"no connection", Status{State: NoConnection, Percentage: -1}, []string{"No connection"}},
		{"ready", Status{State: Ready, Percentage: -1, Database: Database{Path: "/p/x.und", State: DatabaseResolved}}, []string{"resolved", "/p/x.und"}},
		{"progress", Status{State: Progress, Items: 2, Title: "Analyzing", Message: "a.c", Percentage: 30}, []string{"Analyzing 30%: a.c", "(+1)"}},
		{"untitled progress", Status{State: Progress, Items: 1, Percentage: -1}, []string{"Working"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Render(tt.status)
			assert.False(t, strings.Contains(got, "\n"))
			for _, w := range tt.want {
				assert.Contains(t, got, w)
			}
		})
	}
}
