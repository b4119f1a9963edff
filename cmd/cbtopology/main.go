package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/couchbase/gocbcorex/contrib/buildversion"
	"github.com/couchbase/gocbtopology/connstr"
	"github.com/couchbase/gocbtopology/memdconn"
	"github.com/couchbase/gocbtopology/pkg/metrics"
	"github.com/couchbase/gocbtopology/pkg/webapi"
	"github.com/couchbase/gocbtopology/topology"
	"github.com/couchbase/gocbtopology/utils/secretsmanager"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/exp/slices"
)

var buildVersion string = buildversion.GetVersion("github.com/couchbase/gocbtopology")

var rootCmd = &cobra.Command{
	Version: buildVersion,

	Use:   "cbtopology",
	Short: "Tracks the node topology of a Couchbase cluster",

	Run: func(cmd *cobra.Command, args []string) {
		startTopology()
	},
}

var cfgFile string
var watchCfgFile bool
var daemon bool

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "specifies a config file to load")
	rootCmd.Flags().BoolVar(&watchCfgFile, "watch-config", false, "indicates whether to watch the config file for changes")
	rootCmd.Flags().BoolVar(&daemon, "daemon", false, "in daemon mode, cbtopology will keep retrying the initial bootstrap")

	configFlags := pflag.NewFlagSet("", pflag.ContinueOnError)
	configFlags.String("log-level", "info", "the log level to run at")
	configFlags.String("conn-str", "couchbase://localhost", "the couchbase server connection string")
	configFlags.String("cb-user", "Administrator", "the couchbase server username")
	configFlags.String("cb-pass", "password", "the couchbase server password")
	configFlags.String("buckets", "", "comma separated list of buckets to open")
	configFlags.String("network", "", "the network type to use (auto, default or external)")
	configFlags.String("tls-ca", "", "path to a CA certificate to trust for tls connections")
	configFlags.Bool("tls-skip-verify", false, "disables verification of server certificates")
	configFlags.String("bind-address", "0.0.0.0", "the local address to bind to")
	configFlags.Int("web-port", 9091, "the web metrics/health port")
	configFlags.Duration("poll-interval", topology.DefaultPollInterval, "how often bucket configs are polled")
	configFlags.String("cb-creds-aws-id", "", "id of secret in aws sm storing couchbase server credentials")
	configFlags.String("cb-creds-aws-region", "", "region of cb-creds-aws-id secret")
	configFlags.String("cb-creds-azure-id", "", "id of secret in azure kv storing couchbase server credentials")
	configFlags.String("cb-creds-azure-vault-name", "", "name of key vault storing cb-creds-azure-id")
	configFlags.String("cb-creds-gcp-id", "", "id of secret in gcp sm storing couchbase server credentials")
	configFlags.String("cb-creds-gcp-project-id", "", "id of project containing cb-creds-gcp-id")
	rootCmd.Flags().AddFlagSet(configFlags)

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetEnvPrefix("cbt")
	viper.AutomaticEnv()

	_ = viper.BindPFlags(configFlags)
}

func initMetrics(ctx context.Context, logger *zap.Logger) (*sdkmetric.MeterProvider, error) {
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("cbtopology"),
		),
	)
	if err != nil {
		if res == nil {
			return nil, err
		}

		logger.Warn("failed to setup some part of opentelemetry resource", zap.Error(err))
	}

	promExp, err := prometheus.New()
	if err != nil {
		return nil, err
	}

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	), nil
}

func getLogger() (zap.AtomicLevel, *zap.Logger) {
	logLevel := zap.NewAtomicLevel()
	logConfig := zap.NewProductionEncoderConfig()
	logConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	jsonEncoder := zapcore.NewJSONEncoder(logConfig)
	core := zapcore.NewTee(
		zapcore.NewCore(jsonEncoder, zapcore.AddSync(os.Stdout), logLevel),
	)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return logLevel, logger
}

type config struct {
	logLevelStr           string
	connStr               string
	cbUser                string
	cbPass                string
	buckets               []string
	network               string
	tlsCaPath             string
	tlsSkipVerify         bool
	bindAddress           string
	webPort               int
	pollInterval          time.Duration
	cbCredsAwsId          string
	cbCredsAwsRegion      string
	cbCredsAzureId        string
	cbCredsAzureVaultName string
	cbCredsGcpId          string
	cbCredsGcpProjectId   string
}

func parseBucketList(value string) []string {
	var buckets []string
	for _, name := range strings.Split(value, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			buckets = append(buckets, name)
		}
	}
	return buckets
}

func readConfig(logger *zap.Logger) *config {
	config := &config{
		logLevelStr:           viper.GetString("log-level"),
		connStr:               viper.GetString("conn-str"),
		cbUser:                viper.GetString("cb-user"),
		cbPass:                viper.GetString("cb-pass"),
		buckets:               parseBucketList(viper.GetString("buckets")),
		network:               viper.GetString("network"),
		tlsCaPath:             viper.GetString("tls-ca"),
		tlsSkipVerify:         viper.GetBool("tls-skip-verify"),
		bindAddress:           viper.GetString("bind-address"),
		webPort:               viper.GetInt("web-port"),
		pollInterval:          viper.GetDuration("poll-interval"),
		cbCredsAwsId:          viper.GetString("cb-creds-aws-id"),
		cbCredsAwsRegion:      viper.GetString("cb-creds-aws-region"),
		cbCredsAzureId:        viper.GetString("cb-creds-azure-id"),
		cbCredsAzureVaultName: viper.GetString("cb-creds-azure-vault-name"),
		cbCredsGcpId:          viper.GetString("cb-creds-gcp-id"),
		cbCredsGcpProjectId:   viper.GetString("cb-creds-gcp-project-id"),
	}

	logger.Info("parsed topology configuration",
		zap.String("logLevelStr", config.logLevelStr),
		zap.String("connStr", config.connStr),
		zap.String("cbUser", config.cbUser),
		zap.Strings("buckets", config.buckets),
		zap.String("network", config.network),
		zap.String("tlsCaPath", config.tlsCaPath),
		zap.Bool("tlsSkipVerify", config.tlsSkipVerify),
		zap.String("bindAddress", config.bindAddress),
		zap.Int("webPort", config.webPort),
		zap.Duration("pollInterval", config.pollInterval),
		zap.String("cbCredsAwsId", config.cbCredsAwsId),
		zap.String("cbCredsAwsRegion", config.cbCredsAwsRegion),
		zap.String("cbCredsAzureId", config.cbCredsAzureId),
		zap.String("cbCredsAzureVaultName", config.cbCredsAzureVaultName),
		zap.String("cbCredsGcpId", config.cbCredsGcpId),
		zap.String("cbCredsGcpProjectId", config.cbCredsGcpProjectId))

	return config
}

// fetchCredentials replaces the configured credentials with those held by a
// cloud secrets manager, if one was specified.
func fetchCredentials(ctx context.Context, logger *zap.Logger, config *config) error {
	if config.cbCredsAwsId == "" && config.cbCredsAzureId == "" && config.cbCredsGcpId == "" {
		return nil
	}

	if config.cbUser != "Administrator" || config.cbPass != "password" {
		return errors.New("cannot use cb-pass or cb-user when fetching creds from cloud provider")
	}

	var creds secretsmanager.Credentials
	var err error

	switch {
	case config.cbCredsAwsId != "":
		if config.cbCredsAwsRegion == "" {
			return errors.New("must specify region and id when fetching secrets from aws")
		}

		logger.Info("fetching server credentials from aws secrets manager")
		creds, err = secretsmanager.FetchAWSCredentials(ctx, config.cbCredsAwsId, config.cbCredsAwsRegion)
	case config.cbCredsAzureId != "":
		if config.cbCredsAzureVaultName == "" {
			return errors.New("must specify key vault name and id when fetching secrets from azure")
		}

		logger.Info("fetching server credentials from azure key vault")
		creds, err = secretsmanager.FetchAzureCredentials(ctx, config.cbCredsAzureId, config.cbCredsAzureVaultName)
	case config.cbCredsGcpId != "":
		if config.cbCredsGcpProjectId == "" {
			return errors.New("must specify project and secret ids when fetching secrets from gcp")
		}

		logger.Info("fetching server credentials from gcp secrets manager")
		creds, err = secretsmanager.FetchGcpCredentials(ctx, config.cbCredsGcpId, config.cbCredsGcpProjectId)
	default:
		return nil
	}
	if err != nil {
		return err
	}

	config.cbUser = creds.Username
	config.cbPass = creds.Password
	return nil
}

func loadTLSConfig(config *config) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: config.tlsSkipVerify,
	}

	if config.tlsCaPath != "" {
		caPem, err := os.ReadFile(config.tlsCaPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read tls ca: %w", err)
		}

		rootCAs := x509.NewCertPool()
		if !rootCAs.AppendCertsFromPEM(caPem) {
			return nil, fmt.Errorf("no certificates found in %s", config.tlsCaPath)
		}
		tlsConfig.RootCAs = rootCAs
	}

	return tlsConfig, nil
}

func bootstrapTopology(ctx context.Context, logger *zap.Logger, topo *topology.Topology) error {
	bootstrap := func() error {
		err := topo.BootstrapGlobal(ctx)
		if errors.Is(err, topology.ErrTopologyClosed) {
			return backoff.Permanent(err)
		}
		return err
	}

	if !daemon {
		return bootstrap()
	}

	return backoff.RetryNotify(bootstrap,
		backoff.WithContext(backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(0)), ctx),
		func(err error, delay time.Duration) {
			logger.Warn("failed to bootstrap, retrying",
				zap.Error(err),
				zap.Duration("delay", delay))
		})
}

func openBucket(
	ctx context.Context,
	logger *zap.Logger,
	topo *topology.Topology,
	bucketName string,
	pollInterval time.Duration,
) error {
	logger = logger.With(zap.String("bucket", bucketName))

	err := backoff.RetryNotify(func() error {
		_, err := topo.GetOrCreateBucket(ctx, bucketName)
		if errors.Is(err, topology.ErrTopologyClosed) {
			return backoff.Permanent(err)
		}
		return err
	},
		backoff.WithContext(backoff.NewExponentialBackOff(), ctx),
		func(err error, delay time.Duration) {
			logger.Warn("failed to open bucket, retrying",
				zap.Error(err),
				zap.Duration("delay", delay))
		})
	if err != nil {
		return err
	}

	logger.Info("opened bucket")

	return topo.StartPolling(bucketName, topology.PollOptions{
		Interval: pollInterval,
	})
}

func startTopology() {
	// initialize the logger
	logLevel, logger := getLogger()

	logger.Info("starting cbtopology", zap.String("version", buildVersion))

	logger.Info("parsed launch configuration",
		zap.String("config", cfgFile),
		zap.Bool("watch-config", watchCfgFile),
		zap.Bool("daemon", daemon))

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		err := viper.ReadInConfig()
		if err != nil {
			logger.Panic("failed to load specified config file", zap.Error(err))
		}
	}

	config := readConfig(logger)

	parsedLogLevel, err := zapcore.ParseLevel(config.logLevelStr)
	if err != nil {
		logger.Warn("invalid log level specified, using INFO instead")
		parsedLogLevel = zapcore.InfoLevel
	}
	logLevel.SetLevel(parsedLogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	meterProvider, err := initMetrics(ctx, logger)
	if err != nil {
		logger.Error("failed to initialize opentelemetry metrics", zap.Error(err))
		os.Exit(1)
	}
	otel.SetMeterProvider(meterProvider)

	err = fetchCredentials(ctx, logger, config)
	if err != nil {
		logger.Error("failed to fetch couchbase server credentials", zap.Error(err))
		os.Exit(1)
	}

	seeds, err := connstr.ResolveSeeds(ctx, config.connStr, connstr.ResolveOptions{
		Logger:   logger.Named("connstr"),
		Resolver: net.DefaultResolver,
	})
	if err != nil {
		logger.Error("failed to resolve connection string", zap.Error(err))
		os.Exit(1)
	}

	networkType := seeds.NetworkType
	if config.network != "" {
		networkType = topology.NetworkType(config.network)
	}

	var tlsConfig *tls.Config
	if seeds.UseTLS {
		tlsConfig, err = loadTLSConfig(config)
		if err != nil {
			logger.Error("failed to load tls configuration", zap.Error(err))
			os.Exit(1)
		}
	}

	dialer, err := memdconn.NewDialer(memdconn.DialerOptions{
		Logger:    logger.Named("dialer"),
		Username:  config.cbUser,
		Password:  config.cbPass,
		TLSConfig: tlsConfig,
	})
	if err != nil {
		logger.Error("failed to create the dialer", zap.Error(err))
		os.Exit(1)
	}

	topo, err := topology.NewTopology(topology.TopologyOptions{
		Logger:      logger.Named("topology"),
		Metrics:     metrics.GetTopologyMetrics(),
		Seeds:       seeds.MemdHosts,
		Connector:   dialer,
		UseTLS:      seeds.UseTLS,
		NetworkType: networkType,
	})
	if err != nil {
		logger.Error("failed to initialize the topology", zap.Error(err))
		os.Exit(1)
	}

	// setup the web service
	webListenAddress := fmt.Sprintf("%s:%v", config.bindAddress, config.webPort)
	webapi.InitializeWebServer(webapi.WebServerOptions{
		Logger:        logger.Named("webapi"),
		LogLevel:      &logLevel,
		ListenAddress: webListenAddress,
		Topology:      topo,
	})

	var configLock sync.Mutex
	reloadConfiguration := func() {
		configLock.Lock()
		defer configLock.Unlock()

		err := viper.ReadInConfig()
		if err != nil {
			logger.Warn("failed to parse configuration file",
				zap.Error(err))
		}

		newConfig := readConfig(logger)

		if newConfig.connStr != config.connStr ||
			newConfig.cbUser != config.cbUser ||
			newConfig.cbPass != config.cbPass {
			logger.Warn("config changes for connStr, cbUser, or cbPass require a restart")
		}

		if newConfig.bindAddress != config.bindAddress ||
			newConfig.webPort != config.webPort {
			logger.Warn("config changes for bindAddress or webPort require a restart")
		}

		if newConfig.network != config.network ||
			newConfig.tlsCaPath != config.tlsCaPath ||
			newConfig.tlsSkipVerify != config.tlsSkipVerify {
			logger.Warn("config changes for network or tls settings require a restart")
		}

		if newConfig.pollInterval != config.pollInterval {
			logger.Warn("config changes for pollInterval require a restart")
		}

		if newConfig.logLevelStr != config.logLevelStr {
			newParsedLogLevel, err := zapcore.ParseLevel(newConfig.logLevelStr)
			if err != nil {
				logger.Warn("invalid log level specified, using INFO instead")
				newParsedLogLevel = zapcore.InfoLevel
			}

			logLevel.SetLevel(newParsedLogLevel)

			logger.Info("updated log level",
				zap.String("newLevel", newParsedLogLevel.String()))
		}

		for _, bucketName := range newConfig.buckets {
			if slices.Contains(config.buckets, bucketName) {
				continue
			}

			go func() {
				err := openBucket(ctx, logger, topo, bucketName, newConfig.pollInterval)
				if err != nil && !errors.Is(err, context.Canceled) {
					logger.Warn("failed to open bucket", zap.String("bucket", bucketName), zap.Error(err))
				}
			}()
		}

		config = newConfig
	}

	if watchCfgFile {
		viper.OnConfigChange(func(in fsnotify.Event) {
			logger.Info("configuration file change detected")
			reloadConfiguration()
		})

		go viper.WatchConfig()
	}

	go func() {
		sigCh := make(chan os.Signal, 10)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

		hasReceivedSigInt := false
		for sig := range sigCh {
			if sig == syscall.SIGINT {
				if hasReceivedSigInt {
					logger.Info("Received SIGINT a second time, terminating...")
					os.Exit(1)
				} else {
					logger.Info("Received SIGINT, attempting graceful shutdown...")
					hasReceivedSigInt = true
					cancel()
				}
			} else if sig == syscall.SIGTERM {
				logger.Info("Received SIGTERM, attempting graceful shutdown...")
				cancel()
			} else if sig == syscall.SIGHUP {
				logger.Info("Received SIGHUP, reloading configuration...")
				reloadConfiguration()
			}
		}
	}()

	err = bootstrapTopology(ctx, logger, topo)
	if err != nil {
		logger.Error("failed to bootstrap the topology", zap.Error(err))
		_ = topo.Close()
		os.Exit(1)
	}

	logger.Info("bootstrapped topology",
		zap.Bool("global", topo.IsGlobal()),
		zap.Int("nodes", topo.Nodes().Len()))

	bucketNames := config.buckets
	if seeds.Bucket != "" {
		bucketNames = append(bucketNames, seeds.Bucket)
	}

	for _, bucketName := range bucketNames {
		err := openBucket(ctx, logger, topo, bucketName, config.pollInterval)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}

			logger.Error("failed to open bucket", zap.String("bucket", bucketName), zap.Error(err))
			if !daemon {
				_ = topo.Close()
				os.Exit(1)
			}
		}
	}

	<-ctx.Done()

	err = topo.Close()
	if err != nil {
		logger.Warn("failed to cleanly close the topology", zap.Error(err))
	}

	err = meterProvider.Shutdown(context.Background())
	if err != nil {
		logger.Warn("failed to shutdown the meter provider", zap.Error(err))
	}

	logger.Info("topology shutdown gracefully")
}

func main() {
	cobra.CheckErr(rootCmd.Execute())
}
