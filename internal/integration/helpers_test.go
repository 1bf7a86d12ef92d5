package integration

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"teamsync/internal/app"
	"teamsync/internal/auth"
	"teamsync/internal/client"
	"teamsync/internal/config"
	"teamsync/internal/database"
	"teamsync/internal/workspace"
	"teamsync/pkg/types"
)

type server struct {
	url string
	db  *database.Manager
	app *app.Application
}

// startServer runs the full server stack behind httptest with alice and
// bob as members of P1 and carol as a principal without access.
func startServer(t *testing.T) *server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "teamsync.db")

	application, err := app.NewApplication(cfg, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, application.StartBackground(ctx))

	ts := httptest.NewServer(application.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		stopCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
		defer stop()
		_ = application.Stop(stopCtx)
	})

	db := application.Database()
	seed := context.Background()
	for principal, token := range map[string]string{"alice": "alice-token", "bob": "bob-token", "carol": "carol-token"} {
		require.NoError(t, db.InsertToken(seed, auth.HashToken(token), principal, "", nil))
	}
	require.NoError(t, db.AddScopeMember(seed, "P1", "alice"))
	require.NoError(t, db.AddScopeMember(seed, "P1", "bob"))
	for _, e := range []*types.Entity{
		{ID: "T1", Type: types.EntityTask, Scope: "P1", Status: types.StatusTodo, Fields: map[string]interface{}{"title": "one"}},
		{ID: "T2", Type: types.EntityTask, Scope: "P1", Status: types.StatusTodo, Fields: map[string]interface{}{"title": "two"}},
		{ID: "T3", Type: types.EntityTask, Scope: "P1", Status: types.StatusTodo, Fields: map[string]interface{}{"title": "three"}},
	} {
		require.NoError(t, db.InsertEntity(seed, e))
	}

	return &server{url: ts.URL, db: db, app: application}
}

type member struct {
	session *client.Session
	ws      *workspace.Workspace
}

// open dials a session through its own connector, as a separate process would.
func (s *server) open(t *testing.T, token, device string) *client.Session {
	t.Helper()
	logger := zap.NewNop()
	dialer := client.NewWSDialer("ws"+strings.TrimPrefix(s.url, "http")+"/ws", logger)
	conn := client.NewConnector(dialer, client.DefaultConfig(), logger)

	session, err := conn.Open(context.Background(), types.Credentials{Token: token, DeviceID: device})
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func (s *server) connect(t *testing.T, token, device string) *member {
	t.Helper()
	logger := zap.NewNop()
	session := s.open(t, token, device)

	api := client.NewAPIClient(s.url, token, logger)
	api.SessionID = session.SessionID
	wcfg := workspace.DefaultConfig()
	wcfg.Reconcile.Rehydrate.Base = 10 * time.Millisecond
	ws := workspace.New(session, api, wcfg, logger)
	t.Cleanup(func() {
		_ = ws.Close(context.Background())
	})
	return &member{session: session, ws: ws}
}

func (m *member) order(t *testing.T, status string) []string {
	t.Helper()
	snap, err := m.ws.Board(context.Background())
	require.NoError(t, err)
	return snap.Ordering(status)
}
