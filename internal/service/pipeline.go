package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Harshitk-cp/camrelay/internal/config"
	"github.com/Harshitk-cp/camrelay/internal/health"
	"github.com/Harshitk-cp/camrelay/internal/model"
	"github.com/Harshitk-cp/camrelay/internal/sink"
	"github.com/Harshitk-cp/camrelay/internal/source"
)

// SourceOpener connects to the encoder behind a pipeline
type SourceOpener func(ctx context.Context, name string, cfg config.SourceConfig) (sink.Source, error)

// pipeline is one encoder feeding the dispatcher. Its fields are guarded
// by the service mutex.
type pipeline struct {
	name      string
	substream model.Substream
	cfg       config.SourceConfig

	sink     *sink.Sink
	restarts uint64
	lastErr  error
}

func (s *Service) configuredPipelines() []*pipeline {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*pipeline
	for _, p := range []*pipeline{
		{name: "main", substream: model.Mainstream, cfg: s.config.Sources.Main},
		{name: "sub", substream: model.Sub, cfg: s.config.Sources.Sub},
	} {
		if !p.cfg.Enabled() {
			continue
		}
		s.pipelines[p.name] = p
		out = append(out, p)
	}
	return out
}

// supervise keeps a pipeline running until ctx is done. The sink never
// retries; a source that ends or fails to open is reopened after the
// restart delay.
func (s *Service) supervise(ctx context.Context, p *pipeline) error {
	component := "pipeline:" + p.name

	for {
		err := s.runPipeline(ctx, p)
		if ctx.Err() != nil {
			return nil
		}

		s.mu.Lock()
		p.lastErr = err
		s.mu.Unlock()
		s.health.Set(component, health.StatusDown, err)
		s.log.Warnf("pipeline %s down, restarting in %s: %v", p.name, s.config.Sources.RestartDelay, err)

		select {
		case <-time.After(s.config.Sources.RestartDelay):
		case <-ctx.Done():
			return nil
		}

		s.mu.Lock()
		p.restarts++
		s.mu.Unlock()
		s.metrics.SourceRestarted(p.name)
	}
}

// runPipeline opens the source and pulls it until it ends. A nil return
// means ctx was cancelled.
func (s *Service) runPipeline(ctx context.Context, p *pipeline) error {
	src, err := s.openSource(ctx, p.name, p.cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s source: %w", p.cfg.Kind, err)
	}

	sk := sink.New(p.name, p.substream, src, s.dispatcher, s.factory, sink.Options{
		MaxFrameSize: s.config.Sources.MaxFrameSize,
		Metrics:      s.metrics,
	})

	s.mu.Lock()
	p.sink = sk
	p.lastErr = nil
	s.mu.Unlock()
	s.health.Set("pipeline:"+p.name, health.StatusUp, nil)

	if err := sk.Run(ctx); err != nil {
		return err
	}
	if ctx.Err() == nil {
		return errors.New("pipeline stopped")
	}
	return nil
}

// Pipelines returns the state of every configured pipeline
func (s *Service) Pipelines() []model.PipelineInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]model.PipelineInfo, 0, len(s.pipelines))
	for _, name := range []string{"main", "sub"} {
		p, ok := s.pipelines[name]
		if !ok {
			continue
		}

		info := model.PipelineInfo{
			Name:      p.name,
			Kind:      p.cfg.Kind,
			Substream: p.substream.String(),
			Restarts:  p.restarts,
		}
		if p.sink != nil {
			select {
			case <-p.sink.Done():
			default:
				info.Running = true
			}
			info.Frames, info.Truncated = p.sink.Stats()
		}
		if p.lastErr != nil {
			info.Error = p.lastErr.Error()
		}
		infos = append(infos, info)
	}
	return infos
}

// defaultOpenSource connects the real encoders
func (s *Service) defaultOpenSource(ctx context.Context, name string, cfg config.SourceConfig) (sink.Source, error) {
	switch cfg.Kind {
	case config.SourceRTSP:
		src, err := source.DialRTSP(ctx, source.RTSPOptions{
			URL:   cfg.URL,
			Audio: cfg.Audio,
		}, s.factory)
		if err != nil {
			return nil, err
		}
		return src, nil

	case config.SourceRTMP:
		return s.rtmpServerFor(cfg.Address).Subscribe(cfg.Path, cfg.Audio, 0), nil

	case config.SourceFile:
		src, err := source.OpenFiles(source.FileOptions{
			Dir:             cfg.Dir,
			Pattern:         cfg.Pattern,
			FrameCount:      cfg.FrameCount,
			FPS:             cfg.FPS,
			AudioPattern:    cfg.AudioPattern,
			AudioFrameCount: cfg.AudioFrameCount,
		})
		if err != nil {
			return nil, err
		}
		return src, nil

	default:
		return nil, fmt.Errorf("unknown source kind %q for %s", cfg.Kind, name)
	}
}

// rtmpServerFor returns the shared server for address, starting it on
// first use. Publishers keep using it across pipeline restarts.
func (s *Service) rtmpServerFor(address string) *source.RTMPServer {
	s.mu.Lock()
	defer s.mu.Unlock()

	if srv, ok := s.rtmp[address]; ok {
		return srv
	}

	srv := source.NewRTMPServer(address, s.factory)
	s.rtmp[address] = srv

	component := "rtmp:" + address
	s.health.Set(component, health.StatusUp, nil)

	// joy4 has no shutdown; the listener lives as long as the process
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			s.log.Errorf("%v", err)
			s.health.Set(component, health.StatusDown, err)
		}
	}()

	return srv
}
