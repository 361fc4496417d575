package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rostersync/internal/config"
	"rostersync/internal/httpmiddleware"
	"rostersync/internal/hub"
	"rostersync/internal/model"
	"rostersync/internal/roster"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func run(cfg config.App) error {
	store := roster.NewStore(cfg.SessionCount)
	h := hub.New(store, cfg.ClientSendBuffer)
	go h.Run()
	defer h.Stop()

	startedAt := time.Now()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept"},
		MaxAge:          24 * time.Hour,
	}))
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewLimiter(cfg.RateLimitPerMin, "/ws", "/healthz", "/metrics").Middleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "clients": h.ClientCount()})
	})

	r.GET("/ws", func(c *gin.Context) {
		hub.ServeWS(h, c.Writer, c.Request)
	})

	r.GET("/api/server-info", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"addresses": localAddresses(),
			"port":      cfg.HTTPPort,
			"uptime":    time.Since(startedAt).Round(time.Second).String(),
			"clients":   h.ClientCount(),
		})
	})

	getData := func(c *gin.Context) {
		c.JSON(http.StatusOK, store.Snapshot())
	}
	r.GET("/api/data", getData)
	r.GET("/api/data/export", getData)

	r.POST("/api/data", func(c *gin.Context) {
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, 32<<20))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "read body failed"})
			return
		}
		ds, err := decodeDataset(body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		committed, dropped := store.ReplaceDataset(ds)
		if dropped > 0 {
			log.Printf("import dropped %d uninterpretable tombstone entries", dropped)
		}
		h.BroadcastDataset()
		c.JSON(http.StatusOK, gin.H{
			"lastUpdated": committed.LastUpdated,
			"students":    len(committed.Students),
		})
	})

	r.POST("/api/upload", func(c *gin.Context) {
		file, header, err := c.Request.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file field required"})
			return
		}
		defer file.Close()

		if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "upload dir unavailable"})
			return
		}
		name := uuid.NewString() + "_" + filepath.Base(header.Filename)
		path := filepath.Join(cfg.UploadDir, name)
		dst, err := os.Create(path)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "store file failed"})
			return
		}
		defer dst.Close()
		size, err := io.Copy(dst, file)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "store file failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"filename": name, "path": path, "size": size})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server forced shutdown: %v", err)
	}
	log.Println("server exited")
	return nil
}

// decodeDataset validates that every supplied top-level collection is
// array-shaped before committing anything; the replace is all-or-nothing.
func decodeDataset(body []byte) (model.Dataset, error) {
	var shape struct {
		Students        json.RawMessage `json:"students"`
		StudentRecords  json.RawMessage `json:"studentRecords"`
		AttendanceLogs  json.RawMessage `json:"attendanceLogs"`
		DeletedStudents json.RawMessage `json:"deletedStudents"`
	}
	if err := json.Unmarshal(body, &shape); err != nil {
		return model.Dataset{}, fmt.Errorf("invalid JSON body")
	}
	if !isArray(shape.Students) {
		return model.Dataset{}, fmt.Errorf("students must be an array")
	}
	for name, raw := range map[string]json.RawMessage{
		"studentRecords":  shape.StudentRecords,
		"attendanceLogs":  shape.AttendanceLogs,
		"deletedStudents": shape.DeletedStudents,
	} {
		if len(raw) > 0 && !isNull(raw) && !isArray(raw) {
			return model.Dataset{}, fmt.Errorf("%s must be an array", name)
		}
	}

	var ds model.Dataset
	if err := json.Unmarshal(body, &ds); err != nil {
		return model.Dataset{}, fmt.Errorf("invalid dataset: %v", err)
	}
	return ds, nil
}

func isArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func localAddresses() []string {
	var out []string
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return out
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			out = append(out, ip4.String())
		}
	}
	return out
}

// Security headers middleware, kept for browser-resident clients.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}
