package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/util/dbutil"
	_ "go.mau.fi/util/dbutil/litestream"
	"go.mau.fi/util/exerrors"
	"go.mau.fi/util/exzerolog"
	"gopkg.in/yaml.v3"
	flag "maunium.net/go/mauflag"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/meowserv/config"
	"go.mau.fi/meowserv/database"
	"go.mau.fi/meowserv/fedclient"
	"go.mau.fi/meowserv/handshake"
	"go.mau.fi/meowserv/ingest"
	"go.mau.fi/meowserv/keyring"
	"go.mau.fi/meowserv/roomversion"
)

var configPath = flag.MakeFull("c", "config", "Path to the config file", "config.yaml").String()
var noSaveConfig = flag.MakeFull("n", "no-update", "Don't update the config file", "false").Bool()
var version = flag.MakeFull("v", "version", "Print the version and exit", "false").Bool()
var wantHelp, _ = flag.MakeHelpFlag()

type Meowserv struct {
	Config *config.Config
	Log    *zerolog.Logger

	DB    *database.Database
	Store *database.Store

	Key    *keyring.LocalKey
	Keys   *keyring.Keyring
	Fed    *fedclient.Client
	Engine *ingest.Engine
	Orch   *handshake.Orchestrator

	Server        *http.Server
	MetricsServer *http.Server

	txnCache *lru.Cache[string, *RespTransaction]
}

func (m *Meowserv) Init(ctx context.Context) {
	var err error
	m.Config = loadConfig(*configPath, *noSaveConfig)
	m.Log, err = m.Config.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to configure logger:", err)
		os.Exit(11)
	}
	exzerolog.SetupDefaults(m.Log)

	m.Log.Info().
		Str("version", VersionWithCommit).
		Str("go_version", runtime.Version()).
		Str("server_name", m.Config.Homeserver.Domain).
		Msg("Initializing Meowserv")
	var db *dbutil.Database
	db, err = dbutil.NewFromConfig("meowserv", m.Config.Database, dbutil.ZeroLogger(m.Log.With().Str("db_section", "main").Logger()))
	if err != nil {
		m.Log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Failed to connect to database")
		os.Exit(12)
	}
	m.DB = database.New(db)
	m.Store = database.NewStore(m.DB)

	m.Key, err = keyring.LoadOrGenerateKey(m.Config.Homeserver.Domain, m.Config.Homeserver.SigningKeyPath)
	if err != nil {
		m.Log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Failed to load signing key")
		os.Exit(13)
	}
	m.Log.Info().Stringer("key_id", m.Key.ID).Msg("Loaded signing key")

	m.Fed = fedclient.NewClient(m.Config.Homeserver.Domain, m.Key)
	m.Fed.UserAgent = fmt.Sprintf("%s/%s", Name, VersionWithCommit)
	m.Keys = keyring.NewKeyring(m.Key, m.Store, m.Fed)
	if m.Config.Engine.RoomVersion != "" {
		if _, ok := roomversion.Get(id.RoomVersion(m.Config.Engine.RoomVersion)); !ok {
			m.Log.WithLevel(zerolog.FatalLevel).
				Str("room_version", m.Config.Engine.RoomVersion).
				Strs("supported_versions", roomversion.IDs()).
				Msg("Unsupported default room version in config")
			os.Exit(14)
		}
	}
	m.Engine = ingest.NewEngine(m.Config.Homeserver.Domain, m.Store, m.Keys, m.Fed)
	m.Orch = handshake.NewOrchestrator(m.Engine, m.Key, m.Fed)
	m.txnCache = exerrors.Must(lru.New[string, *RespTransaction](transactionCacheSize))
	m.PrepareHTTP()

	m.Log.Info().Msg("Initialization complete")
}

func (m *Meowserv) Run(ctx context.Context) {
	err := m.DB.Upgrade(ctx)
	if err != nil {
		m.Log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Failed to upgrade database schema")
		os.Exit(12)
	}

	go func() {
		m.Log.Info().Str("address", m.Server.Addr).Msg("Starting federation listener")
		err := m.Server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.Log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Federation listener failed")
			os.Exit(15)
		}
	}()
	if m.MetricsServer != nil {
		go func() {
			m.Log.Info().Str("address", m.MetricsServer.Addr).Msg("Starting metrics listener")
			err := m.MetricsServer.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				m.Log.Err(err).Msg("Metrics listener failed")
			}
		}()
	}

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = m.Server.Shutdown(shutdownCtx)
	if err != nil {
		m.Log.Err(err).Msg("Failed to shut down federation listener")
	}
	if m.MetricsServer != nil {
		_ = m.MetricsServer.Shutdown(shutdownCtx)
	}
	err = m.DB.Close()
	if err != nil {
		m.Log.Err(err).Msg("Failed to close database")
	}
}

func loadConfig(path string, noSave bool) *config.Config {
	configData, _, err := up.Do(path, !noSave, config.Upgrader)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to upgrade config:", err)
		os.Exit(10)
	}
	var cfg config.Config
	err = yaml.Unmarshal(configData, &cfg)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to parse config:", err)
		os.Exit(10)
	}
	return &cfg
}

func main() {
	initVersion()
	err := flag.Parse()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	} else if *version {
		fmt.Println(VersionDescription)
		os.Exit(0)
	}
	var m Meowserv
	ctx, cancel := context.WithCancel(context.Background())
	m.Init(ctx)
	ctx = m.Log.WithContext(ctx)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c
		cancel()
	}()
	m.Run(ctx)
	m.Log.Info().Msg("Meowserv stopped")
}
