package handler

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/alert-dispatch/internal/transport"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newTestApp(t *testing.T, register func(app *fiber.App) error) *fiber.App {
	t.Helper()

	app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
	if err := register(app); err != nil {
		t.Fatalf("register routes error = %v", err)
	}
	return app
}

func performRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, []byte) {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read %s %s body: %v", method, path, err)
	}
	return resp, respBody
}

// pingDB is a database/sql connector whose connections only answer Ping.
type pingDB struct{ err error }

func (p pingDB) Connect(context.Context) (driver.Conn, error) { return p, nil }
func (p pingDB) Driver() driver.Driver                        { return p }
func (p pingDB) Open(string) (driver.Conn, error)             { return p, nil }
func (p pingDB) Prepare(string) (driver.Stmt, error)          { return nil, driver.ErrSkip }
func (p pingDB) Begin() (driver.Tx, error)                    { return nil, driver.ErrSkip }
func (p pingDB) Close() error                                 { return nil }
func (p pingDB) Ping(context.Context) error                   { return p.err }

func newPingDB(t *testing.T, err error) *sql.DB {
	t.Helper()

	db := sql.OpenDB(pingDB{err: err})
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// newRedisClient points a client at miniredis, stopped first when down is set.
func newRedisClient(t *testing.T, down bool) *redis.Client {
	t.Helper()

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	if down {
		mr.Close()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}
