// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package cmd

import (
	"crypto/tls"
	"crypto/x509"
	"io/ioutil"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/TheThingsNetwork/amqp-device-transport/amqp"
	"github.com/TheThingsNetwork/amqp-device-transport/auth"
	"github.com/TheThingsNetwork/amqp-device-transport/device"
	"github.com/TheThingsNetwork/amqp-device-transport/messenger"
	"github.com/TheThingsNetwork/amqp-device-transport/messenger/loopback"
	"github.com/TheThingsNetwork/amqp-device-transport/middleware/deduplicate"
	"github.com/TheThingsNetwork/amqp-device-transport/middleware/inject"
	"github.com/TheThingsNetwork/amqp-device-transport/middleware/ratelimit"
	"github.com/TheThingsNetwork/amqp-device-transport/monitor"
	"github.com/TheThingsNetwork/amqp-device-transport/options"
	"github.com/TheThingsNetwork/amqp-device-transport/retry"
	"github.com/TheThingsNetwork/amqp-device-transport/transport"
	"github.com/TheThingsNetwork/amqp-device-transport/types"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	redis "gopkg.in/redis.v5"
)

// RootCmd is the main command that is executed when running amqp-device-transport
var RootCmd = &cobra.Command{
	Use:   "amqp-device-transport",
	Short: "The Things Network's AMQP device transport",
	Long:  `amqp-device-transport connects a device to an AMQP broker, sends its telemetry and receives its messages`,
	PersistentPreRun:  setupLogger,
	Run:               runTransport,
	PersistentPostRun: closeLogFile,
}

// user:pass@host:port
var amqpRegexp = regexp.MustCompile(`^(?:([0-9a-z_-]+)(?::([0-9A-Za-z-!"#$%&'()*+,.:;<=>?@[\]^_{|}~]+))?@)?([0-9a-z.-]+:[0-9]+)$`)

func tlsConfig() *tls.Config {
	rootCAFile := config.GetString("root-ca-file")
	if rootCAFile == "" {
		return nil
	}
	roots, err := ioutil.ReadFile(rootCAFile)
	if err != nil {
		ctx.WithError(err).Fatal("Could not load Root CA file")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(roots) {
		ctx.Warn("Could not load all CAs from the Root CA file")
	} else {
		ctx.Infof("Using Root CAs from %s", rootCAFile)
	}
	return &tls.Config{RootCAs: pool}
}

func eventProperties(pairs []string) map[string]string {
	properties := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			ctx.WithField("Property", pair).Warn("Ignoring invalid event property")
			continue
		}
		properties[parts[0]] = parts[1]
	}
	return properties
}

func runTransport(cmd *cobra.Command, args []string) {
	deviceID := config.GetString("device-id")
	if deviceID == "" {
		ctx.Fatal("No device ID configured")
	}
	ctx := ctx.WithField("DeviceID", deviceID)

	// Set up the session to the broker
	var (
		session      messenger.Session
		cbs          auth.CBS
		newMessenger func(messenger.Config) (messenger.Messenger, error)
		closeSession func()
	)
	if broker := config.GetString("amqp"); broker == "loopback" {
		ctx.Info("Initializing loopback session")
		loop := loopback.NewSession(ctx)
		loop.Echo = true
		session, cbs, newMessenger = loop, &loopback.CBS{}, loopback.New
		closeSession = loop.Close
	} else {
		parts := amqpRegexp.FindStringSubmatch(broker)
		if parts == nil {
			ctx.WithField("AMQP", broker).Fatal("Invalid AMQP broker")
		}
		ctx.WithField("Username", parts[1]).WithField("Address", parts[3]).Info("Initializing AMQP")
		amqpSession := amqp.NewSession(amqp.Config{
			Address:      parts[3],
			Username:     parts[1],
			Password:     parts[2],
			VHost:        config.GetString("amqp-vhost"),
			ExchangeName: config.GetString("amqp-exchange"),
			TLSConfig:    tlsConfig(),
		}, ctx)
		if err := amqpSession.Connect(); err != nil {
			ctx.WithError(err).Fatal("Could not connect to AMQP")
		}
		session, cbs, newMessenger = amqpSession, amqp.NewCBS(amqpSession), amqp.NewMessenger
		closeSession = func() {
			if err := amqpSession.Close(); err != nil {
				ctx.WithError(err).Warn("Could not close AMQP session")
			}
		}
	}
	defer closeSession()

	tr := transport.New(ctx, session, cbs)

	policy, err := retry.ParsePolicy(config.GetString("retry-policy"))
	if err != nil {
		ctx.WithError(err).Fatal("Invalid retry policy")
	}
	if err := tr.SetRetryPolicy(policy, config.GetDuration("retry-max-duration")); err != nil {
		ctx.WithError(err).Fatal("Invalid retry policy")
	}

	// Set up Redis or the options directory
	var store options.Store
	var redisClient *redis.Client
	if config.GetBool("redis") {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     config.GetString("redis-address"),
			Password: config.GetString("redis-password"),
			DB:       config.GetInt("redis-db"),
		})
		ctx.Info("Initializing Redis state backend")
		if previous, err := tr.InitRedisState(redisClient, ""); err != nil {
			ctx.WithError(err).Warn("Could not load devices from Redis")
		} else if len(previous) > 0 {
			ctx.WithField("Devices", previous).Info("Found devices of a previous run")
		}
		ctx.Info("Initializing Redis options backend")
		store = options.NewRedis(redisClient, "")
	}

	var fileStore *options.FileStore
	if dir := config.GetString("options-dir"); store == nil && dir != "" {
		fileStore, err = options.NewFile(dir, ctx)
		if err != nil {
			ctx.WithError(err).Fatal("Could not open options directory")
		}
		ctx.WithField("Directory", dir).Info("Initializing file options backend")
		store = fileStore
	}
	if store == nil {
		ctx.Info("Initializing memory options backend")
		store = options.NewMemory()
	}

	// Middleware
	limits := ratelimit.Limits{
		Event:   config.GetInt("rate-limit-events"),
		Message: config.GetInt("rate-limit-messages"),
	}
	if limits.Event > 0 || limits.Message > 0 {
		if redisClient != nil {
			tr.AddMiddleware(ratelimit.NewRedisRateLimit(redisClient, limits))
		} else {
			tr.AddMiddleware(ratelimit.NewRateLimit(limits))
		}
	}
	if config.GetBool("deduplicate") {
		tr.AddMiddleware(deduplicate.NewDeduplicate())
	}
	tr.AddMiddleware(inject.NewInject(inject.Fields{
		ContentType: config.GetString("event-content-type"),
		Properties:  eventProperties(config.GetStringSlice("event-properties")),
	}))

	// Monitor
	var mon *monitor.Server
	if addr := config.GetString("http-address"); addr != "" && addr != "disable" {
		mon, err = monitor.NewServer(ctx, addr)
		if err != nil {
			ctx.WithError(err).Fatal("Could not initialize monitor")
		}
		go mon.Listen()
	}

	if err := tr.Start(config.GetDuration("work-interval")); err != nil {
		ctx.WithError(err).Fatal("Could not start transport")
	}

	// Register the device
	authMode := device.AuthenticationModeCBS
	if config.GetString("auth-mode") == "x509" {
		authMode = device.AuthenticationModeX509
	}
	err = tr.Register(device.Config{
		DeviceID:           deviceID,
		HostName:           config.GetString("host-name"),
		AuthenticationMode: authMode,
		PrimaryKey:         config.GetString("primary-key"),
		SecondaryKey:       config.GetString("secondary-key"),
		SASToken:           config.GetString("sas-token"),
		OnStateChanged: func(previous, new device.State) {
			ctx.WithField("Previous", previous).WithField("State", new).Info("Device state changed")
			if mon != nil {
				mon.StateChanged(deviceID, new)
			}
		},
		NewAuthentication: auth.Factory,
		NewMessenger:      newMessenger,
	})
	if err != nil {
		ctx.WithError(err).Fatal("Could not register device")
	}

	if saved, err := store.Load(deviceID); err == nil {
		if err := tr.SetOption(deviceID, device.OptionSavedOptions, saved); err != nil {
			ctx.WithError(err).Warn("Could not restore saved options")
		} else {
			ctx.Info("Restored saved options")
		}
	} else if err != options.ErrNotFound {
		ctx.WithError(err).Warn("Could not load saved options")
	}
	if timeout := config.GetDuration("event-send-timeout"); timeout > 0 {
		if err := tr.SetOption(deviceID, messenger.OptionEventSendTimeout, timeout); err != nil {
			ctx.WithError(err).Warn("Could not set event send timeout")
		}
	}

	stopWatch := func() {}
	if fileStore != nil {
		stopWatch, err = fileStore.Watch(deviceID, func(bundle *options.Bundle) {
			if err := tr.SetOption(deviceID, device.OptionSavedOptions, bundle); err != nil {
				ctx.WithError(err).Warn("Could not apply changed options")
				return
			}
			ctx.Info("Applied changed options")
		})
		if err != nil {
			ctx.WithError(err).Warn("Could not watch options file")
			stopWatch = func() {}
		}
	}

	err = tr.Subscribe(deviceID, func(msg *types.Message) device.Disposition {
		ctx.WithField("MessageID", msg.MessageID).WithField("Size", len(msg.Payload)).Info("Received message")
		if mon != nil {
			mon.MessageReceived(deviceID, msg, device.DispositionAccepted)
		}
		return device.DispositionAccepted
	})
	if err != nil {
		ctx.WithError(err).Fatal("Could not subscribe to messages")
	}

	sim := newSimulator(ctx, tr, deviceID, mon)
	go sim.run(config.GetDuration("send-interval"))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	ctx.WithField("signal", <-sigChan).Info("signal received")

	sim.stop()
	stopWatch()
	if bundle, err := tr.RetrieveOptions(deviceID); err == nil {
		if err := store.Save(deviceID, bundle); err != nil {
			ctx.WithError(err).Warn("Could not save options")
		} else {
			ctx.Info("Saved options")
		}
	} else {
		ctx.WithError(err).Warn("Could not retrieve options")
	}
	if err := tr.Stop(); err != nil {
		ctx.WithError(err).Warn("Could not stop transport cleanly")
	}
}

func init() {
	RootCmd.Flags().String("log-file", "", "Location of the log file")
	RootCmd.Flags().Bool("debug", false, "Print debug logs")

	RootCmd.Flags().String("device-id", "", "ID of the device")
	RootCmd.Flags().String("host-name", "localhost", "Host name of the device hub")
	RootCmd.Flags().String("auth-mode", "cbs", "Authentication mode (cbs or x509)")
	RootCmd.Flags().String("primary-key", "", "Primary key of the device (base64)")
	RootCmd.Flags().String("secondary-key", "", "Secondary key of the device (base64)")
	RootCmd.Flags().String("sas-token", "", "SAS token of the device, used when no keys are given")

	RootCmd.Flags().String("amqp", "guest:guest@localhost:5672", "AMQP Broker to connect to (\"loopback\" for an in-memory broker)")
	RootCmd.Flags().String("amqp-vhost", "", "AMQP virtual host")
	RootCmd.Flags().String("amqp-exchange", "", "AMQP exchange (defaults to amq.topic)")
	RootCmd.Flags().String("root-ca-file", "", "Location of the file containing Root CA certificates")

	RootCmd.Flags().Bool("redis", false, "Use Redis state and options backend")
	RootCmd.Flags().String("redis-address", "localhost:6379", "Redis host and port")
	RootCmd.Flags().String("redis-password", "", "Redis password")
	RootCmd.Flags().Int("redis-db", 0, "Redis database")
	RootCmd.Flags().String("options-dir", "", "Directory to load and save device options (when not using Redis)")

	RootCmd.Flags().String("http-address", ":8080", "Address of the monitor and metrics server (disable with \"disable\")")

	RootCmd.Flags().Duration("work-interval", 100*time.Millisecond, "Interval of the work loop")
	RootCmd.Flags().Duration("send-interval", 10*time.Second, "Interval between telemetry events")
	RootCmd.Flags().String("retry-policy", retry.PolicyInterval.String(), "Retry policy for devices in an error state")
	RootCmd.Flags().Duration("retry-max-duration", transport.DefaultRetryMaxDuration, "Maximum time to retry a device")
	RootCmd.Flags().Duration("event-send-timeout", 0, "Timeout of events (0 keeps the default)")

	RootCmd.Flags().Int("rate-limit-events", 0, "Events per minute (0 for no limit)")
	RootCmd.Flags().Int("rate-limit-messages", 0, "Messages per minute (0 for no limit)")
	RootCmd.Flags().Bool("deduplicate", true, "Drop repeated events")
	RootCmd.Flags().String("event-content-type", "application/json", "Content type of events without one")
	RootCmd.Flags().StringSlice("event-properties", nil, "Properties added to events (key=value)")

	viper.BindPFlags(RootCmd.Flags())
}
