package simulator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Page is one request received on the pager endpoint.
type Page struct {
	ID         string    `json:"id"`
	MRN        string    `json:"mrn"`
	Timestamp  string    `json:"timestamp"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// PagerServer records pages posted to /page and lists them on GET /pages.
type PagerServer struct {
	echo *echo.Echo

	mu       sync.Mutex
	pages    []Page
	failNext int
}

func NewPagerServer() *PagerServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &PagerServer{echo: e}
	e.POST("/page", s.handlePage)
	e.GET("/pages", s.handleGetPages)
	return s
}

// Start serves on addr until ctx is done.
func (s *PagerServer) Start(ctx context.Context, addr string) error {
	slog.Info("Simülatör çağrı sunucusu başlatılıyor", "address", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}

// ServeHTTP lets the pager be mounted on httptest servers.
func (s *PagerServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// FailNext makes the next n pages answer 500.
func (s *PagerServer) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

func (s *PagerServer) Pages() []Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Page(nil), s.pages...)
}

func (s *PagerServer) handlePage(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "gövde okunamadı")
	}

	mrn, ts, ok := strings.Cut(strings.TrimSpace(string(body)), ",")
	if !ok || mrn == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "geçersiz çağrı gövdesi")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext > 0 {
		s.failNext--
		return echo.NewHTTPError(http.StatusInternalServerError, "çağrı sistemi kullanılamıyor")
	}

	page := Page{ID: uuid.New().String(), MRN: mrn, Timestamp: ts, ReceivedAt: time.Now()}
	s.pages = append(s.pages, page)
	slog.Info("Çağrı alındı", "id", page.ID, "mrn", mrn, "timestamp", ts)

	return c.NoContent(http.StatusOK)
}

func (s *PagerServer) handleGetPages(c echo.Context) error {
	return c.JSON(http.StatusOK, s.Pages())
}
