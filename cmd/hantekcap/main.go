package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/i582/cfmt/cmd/cfmt"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/umputun/go-flags"
	"golang.org/x/sync/errgroup"

	hantek "github.com/go-dso/hantek"
)

var opts struct {
	ConfigFile string  `long:"config" env:"HANTEKCAP_CONFIG" description:"path to config file (YAML)"`
	Samplerate float64 `short:"r" long:"samplerate" description:"requested samplerate in S/s (overrides config)"`
	RecordLen  int     `short:"l" long:"record-length" default:"-1" description:"record length id (overrides config)"`
	Captures   int     `short:"n" long:"captures" default:"-1" description:"stop after this many captures, 0 for endless (overrides config)"`
	Mode       string  `short:"m" long:"mode" choice:"auto" choice:"normal" choice:"single" description:"trigger mode (overrides config)"`
	Channel1   bool    `long:"ch1-only" description:"capture channel 1 only"`
	Verbose    bool    `short:"v" long:"verbose" description:"debug logging"`
}

// config carries the persistent capture defaults, loaded with viper.
type config struct {
	Samplerate     float64 `mapstructure:"samplerate"`
	RecordLengthID int     `mapstructure:"record_length_id"`
	Captures       int     `mapstructure:"captures"`
	TriggerMode    string  `mapstructure:"trigger_mode"`
	TriggerSource  int     `mapstructure:"trigger_source"`
	Pretrigger     float64 `mapstructure:"pretrigger"`
}

func loadConfig(path string) (*config, error) {
	viper.SetDefault("samplerate", 1e6)
	viper.SetDefault("record_length_id", 1)
	viper.SetDefault("captures", 1)
	viper.SetDefault("trigger_mode", "auto")
	viper.SetDefault("trigger_source", 0)
	viper.SetDefault("pretrigger", 0.5)

	if path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			return nil, err
		}
	} else {
		viper.SetConfigName("hantekcap")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("$HOME/.config/hantek")
		viper.AddConfigPath(".")
		var notFound viper.ConfigFileNotFoundError
		if err := viper.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func triggerMode(name string) hantek.TriggerMode {
	switch name {
	case "normal":
		return hantek.TriggerNormal
	case "single":
		return hantek.TriggerSingle
	default:
		return hantek.TriggerAuto
	}
}

func main() {
	if _, err := flags.NewParser(&opts, flags.Default).Parse(); err != nil {
		os.Exit(1)
	}

	log := logrus.New()
	if opts.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	cfg, err := loadConfig(opts.ConfigFile)
	if err != nil {
		_, _ = cfmt.Println(cfmt.Sprintf("{{error loading config: %v}}::red", err))
		os.Exit(1)
	}
	if opts.Samplerate > 0 {
		cfg.Samplerate = opts.Samplerate
	}
	if opts.RecordLen >= 0 {
		cfg.RecordLengthID = opts.RecordLen
	}
	if opts.Captures >= 0 {
		cfg.Captures = opts.Captures
	}
	if opts.Mode != "" {
		cfg.TriggerMode = opts.Mode
	}

	session, err := hantek.Open(log)
	if err != nil {
		_, _ = cfmt.Println(cfmt.Sprintf("{{%v}}::red", err))
		os.Exit(1)
	}
	model := session.Model()

	engine := hantek.NewEngine(session, log)
	if err := engine.Connect(); err != nil {
		if errors.Is(err, hantek.ErrNeedsFirmware) {
			_, _ = cfmt.Println(cfmt.Sprintf(
				"{{%s needs its firmware; run fwupload first}}::yellow", model.Name))
		} else {
			_, _ = cfmt.Println(cfmt.Sprintf("{{connect: %v}}::red", err))
		}
		os.Exit(1)
	}
	defer engine.Disconnect()

	settings := hantek.DefaultSettings(model)
	settings.Horizontal.Samplerate = cfg.Samplerate
	settings.Horizontal.RecordLengthID = cfg.RecordLengthID
	settings.Trigger.Mode = triggerMode(cfg.TriggerMode)
	settings.Trigger.Source = cfg.TriggerSource
	settings.Trigger.Position = cfg.Pretrigger
	if opts.Channel1 {
		settings.Channel[1].Used = false
	}
	if err := engine.ApplySettings(settings); err != nil {
		_, _ = cfmt.Println(cfmt.Sprintf("{{settings rejected: %v}}::red", err))
		os.Exit(1)
	}

	_, _ = cfmt.Println(cfmt.Sprintf("{{%s}}::green connected, capturing at %.0f S/s",
		model.Name, cfg.Samplerate))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	engine.StartCapture()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := engine.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		captured := 0
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev := <-engine.Events():
				switch ev.Kind {
				case hantek.EventDisconnected:
					_, _ = cfmt.Println("{{device disconnected}}::red")
					cancel()
					return nil
				case hantek.EventError:
					log.WithError(ev.Err).Warn("acquisition error")
				}
			case <-engine.ResultReady():
				result, ok := engine.TakeResult()
				if !ok {
					continue
				}
				captured++
				printCapture(captured, result)
				if cfg.Captures > 0 && captured >= cfg.Captures {
					engine.StopCapture()
					cancel()
					return nil
				}
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, hantek.ErrDisconnected) {
		_, _ = cfmt.Println(cfmt.Sprintf("{{%v}}::red", err))
		os.Exit(1)
	}
}

func printCapture(n int, result *hantek.CaptureResult) {
	_, _ = cfmt.Println(cfmt.Sprintf("capture {{#%d}}::cyan at %s",
		n, time.Now().Format(time.StampMilli)))
	for ch, data := range result.Channels {
		if len(data.Samples) == 0 {
			continue
		}
		min, max := data.Samples[0], data.Samples[0]
		for _, v := range data.Samples {
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
		}
		fmt.Printf("  ch%d: %d samples, %.1f ns/sample, %+.3f V .. %+.3f V (%.3f Vpp)\n",
			ch+1, len(data.Samples), data.Interval*1e9, min, max, max-min)
	}
}
