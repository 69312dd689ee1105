package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"gorm.io/gorm"

	"loom/config"
	"loom/internal/api"
	"loom/internal/build"
	"loom/internal/compose"
	"loom/internal/controller"
	"loom/internal/db"
	"loom/internal/health"
	"loom/internal/logs"
	"loom/internal/middleware"
	"loom/internal/models"
	"loom/internal/pki"
	"loom/internal/repo"
)

type App struct {
	cfg        *config.Config
	db         *gorm.DB
	Router     *mux.Router
	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
}

func (a *App) Initialize(cfg *config.Config) {
	a.cfg = cfg

	/* 1) Логи */
	logs.Init(logs.Options{
		Level:  a.cfg.Logging.Level,
		Format: a.cfg.Logging.Format,
		File:   a.cfg.Logging.File,
	})
	log := logs.Logger

	/* 2) DB (опционально; пустой driver — in-memory режим) */
	if drv := a.cfg.Database.Driver; drv != "" {
		d, err := db.Open(drv, a.cfg.Database.DSN)
		if err != nil {
			log.Fatalf("db open failed: %v", err)
		}
		a.db = d
		if err := a.db.AutoMigrate(
			&models.Device{},
			&models.Template{},
			&models.DeviceTemplate{},
			&models.VPN{},
			&models.WireGuardPeer{},
			&models.CA{},
			&models.Certificate{},
		); err != nil {
			log.Fatalf("db migrate failed: %v", err)
		}
	}

	/* 3) Хранилища и сервисы */
	var (
		ctrlStore controller.Store
		devices   api.DeviceStore
		templates api.TemplateStore
		vpns      api.VPNStore
		bDevices  build.DeviceStore
		bTpls     build.TemplateStore
		bVPNs     build.VPNStore
		pkiStore  pki.Store
	)
	if a.db != nil {
		ds := repo.NewDeviceStore(a.db)
		ts := repo.NewTemplateStore(a.db)
		vs := repo.NewVPNStore(a.db)
		ctrlStore, devices, bDevices = ds, ds, ds
		templates, bTpls = ts, ts
		vpns, bVPNs = vs, vs
		pkiStore = repo.NewPKIStore(a.db)
	} else {
		log.Warn("database.driver is empty, using in-memory store (data is lost on restart)")
		mem := repo.NewMemStore()
		ctrlStore, devices, bDevices = mem, mem, mem
		templates, bTpls = repo.MemTemplateStore{M: mem}, mem
		vpns, bVPNs = repo.MemVPNStore{M: mem}, mem
		pkiStore = mem
	}
	pkiSvc := pki.New(pkiStore)

	certTTL, err := time.ParseDuration(a.cfg.PKI.CertTTL)
	if err != nil {
		log.Fatalf("bad pki.cert_ttl %q: %v", a.cfg.PKI.CertTTL, err)
	}
	builder := build.New(bDevices, bTpls, bVPNs, pkiSvc, log, build.Options{
		DefaultBackend:   a.cfg.NetJSONConfig.DefaultBackend,
		CertPath:         a.cfg.NetJSONConfig.CertPath,
		CommonNameFormat: a.cfg.NetJSONConfig.CommonNameFormat,
		CAName:           a.cfg.PKI.CAName,
		CertTTL:          certTTL,
		GlobalContext:    compose.ContextFromStrings(a.cfg.NetJSONConfig.Context),
	})

	/* 4) Router + middleware */
	a.Router = mux.NewRouter().StrictSlash(true)
	a.Router.Use(
		middleware.RequestID,
		middleware.Recoverer,
		middleware.LoggerMW,
	)

	if a.db != nil {
		health.RegisterRoutesWithDB(a.Router, a.db) // /healthz, /readyz
	} else {
		health.RegisterRoutes(a.Router) // только /healthz
	}

	/* 5) Протокол агента и management-API */
	ctrl := controller.New(ctrlStore, builder, pkiSvc, log,
		a.cfg.Controller.SharedSecret,
		a.cfg.Controller.RegistrationEnabled,
		a.cfg.Controller.ConsistentRegistration,
	)
	controller.RegisterRoutes(a.Router, ctrl)

	apiH := api.New(devices, templates, vpns, builder, pkiSvc, log, api.Settings{
		IsVPNBackend:      a.cfg.IsVPNBackend,
		DefaultVPNBackend: a.cfg.NetJSONConfig.DefaultVPNBackend,
		DefaultAutoCert:   a.cfg.NetJSONConfig.DefaultAutoCert,
	})
	api.RegisterRoutes(a.Router, apiH)

	_ = a.Router.Walk(func(rt *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		path, _ := rt.GetPathTemplate()
		methods, _ := rt.GetMethods()
		if len(methods) == 0 {
			methods = []string{"ANY"}
		}
		log.Debugf("route: %-6v %s", methods, path)
		return nil
	})
}

func (a *App) Run() error {
	if a.Router == nil || a.cfg == nil {
		return fmt.Errorf("server not initialized")
	}

	bind := net.JoinHostPort(a.cfg.Server.Address, a.cfg.Server.HTTPPort)

	a.ctx, a.cancel = context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigs
		logs.Logger.Infof("shutdown signal: %s", s)
		a.cancel()
	}()

	// Жёсткие таймауты важны: агенты опрашивают контроллер постоянно
	a.httpServer = &http.Server{
		Addr:              bind,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logs.Logger.Infof("HTTP listening on %s", bind)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logs.Logger.Fatalf("http server error: %v", err)
		}
	}()

	<-a.ctx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.httpServer.Shutdown(ctx); err != nil {
		logs.Logger.Errorf("http shutdown: %v", err)
	}
	return nil
}
