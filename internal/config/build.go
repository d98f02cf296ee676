package config

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/anti-koerper/antikoerper/internal/item"
	"github.com/anti-koerper/antikoerper/internal/output"
	"github.com/anti-koerper/antikoerper/internal/stats"
)

// BuildItems turns the validated item configuration into items.
func (c *Config) BuildItems() ([]*item.Item, error) {
	items := make([]*item.Item, 0, len(c.Items))
	for _, ic := range c.Items {
		in, err := ic.Input.build()
		if err != nil {
			return nil, fmt.Errorf("item %s: %w", ic.Key, err)
		}
		dg, err := ic.Digest.build(ic.Key)
		if err != nil {
			return nil, err
		}

		env := make(map[string]string, len(ic.Env))
		for k, v := range ic.Env {
			env[k] = v
		}
		items = append(items, &item.Item{
			Key:      ic.Key,
			Interval: ic.Interval.Duration,
			Timeout:  ic.Timeout.Duration,
			Env:      env,
			Input:    in,
			Digest:   dg,
		})
	}
	return items, nil
}

// BuildTargets opens every configured sink. If one fails, the sinks opened
// so far are closed again.
func (c *Config) BuildTargets(ctx context.Context, st *stats.Stats, logger *zap.Logger) ([]output.Target, error) {
	targets := make([]output.Target, 0, len(c.Outputs))
	for i, oc := range c.Outputs {
		sink, err := oc.build(ctx, st, logger)
		if err != nil {
			for _, t := range targets {
				_ = t.Sink.Close()
			}
			return nil, fmt.Errorf("output %d: %w", i, err)
		}
		targets = append(targets, output.Target{
			Sink: sink,
			Policy: output.RawPolicy{
				AlwaysWriteRaw:   oc.AlwaysWriteRaw,
				UseRawAsFallback: oc.RawFallback(),
			},
		})
	}
	return targets, nil
}

func (in InputConfig) build() (item.Input, error) {
	switch in.Type {
	case InputFile:
		return item.File{Path: in.Path}, nil
	case InputShell:
		return item.Shell{Script: in.Script}, nil
	case InputCommand:
		args := append([]string(nil), in.Args...)
		return item.Command{Path: in.Path, Args: args}, nil
	default:
		return nil, fmt.Errorf("unknown input type %q", in.Type)
	}
}

func (d DigestConfig) build(itemKey string) (item.Digest, error) {
	switch d.Type {
	case DigestNone, "":
		return item.Raw{}, nil
	case DigestRegex:
		if d.Regex == "" {
			return nil, &item.DigestError{Item: itemKey, Err: fmt.Errorf("regex digest requires regex")}
		}
		return item.NewRegex(itemKey, d.Regex)
	case DigestMonitoringPlugin:
		return item.MonitoringPlugin{}, nil
	default:
		return nil, &item.DigestError{Item: itemKey, Err: fmt.Errorf("unknown digest type %q", d.Type)}
	}
}

func (o OutputConfig) build(ctx context.Context, st *stats.Stats, logger *zap.Logger) (output.Sink, error) {
	switch o.Type {
	case OutputFile:
		return output.NewFileSink(o.BasePath, logger)
	case OutputInfluxDB:
		return output.NewInfluxSink(ctx, output.InfluxConfig{
			URL:        o.URL,
			Database:   o.Database,
			Username:   o.Username,
			Password:   o.Password,
			Tags:       o.Tags,
			QueueSize:  o.QueueSize,
			SpoolDir:   o.SpoolDir,
			SpoolMaxMB: o.SpoolMaxMB,
		}, st, logger)
	case OutputMQTT:
		return output.NewMQTTSink(output.MQTTConfig{
			Broker:      o.Broker,
			ClientID:    o.ClientID,
			Username:    o.Username,
			Password:    o.Password,
			TopicPrefix: o.TopicPrefix,
			QoS:         byte(o.QoS),
			Retained:    o.Retained,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown output type %q", o.Type)
	}
}
