// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package supervisor wires the fetcher, command builder, health prober,
// and process supervisor together to start, stop, and restart a backend
// plus its front-end API as one managed pair.
package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inferenced/llm-supervisor/internal/applog"
	"github.com/inferenced/llm-supervisor/internal/cmdbuilder"
	"github.com/inferenced/llm-supervisor/internal/config"
	"github.com/inferenced/llm-supervisor/internal/healthprobe"
	"github.com/inferenced/llm-supervisor/internal/manifest"
	"github.com/inferenced/llm-supervisor/internal/orchestrator"
	"github.com/inferenced/llm-supervisor/internal/procsupervisor"
	"github.com/inferenced/llm-supervisor/internal/record"
	"github.com/inferenced/llm-supervisor/internal/startlock"
)

// portProbeTimeout bounds the connect attempt used to check whether a
// port is already bound.
const portProbeTimeout = 2 * time.Second

const portFreeRecheckAttempts = 5
const portFreeRecheckSpacing = 1 * time.Second

// Supervisor owns the lifecycle of one backend/API process pair.
type Supervisor struct {
	cfg          config.Config
	orchestrator *orchestrator.Orchestrator
	manifest     *manifest.Client
	health       *healthprobe.Prober
	store        *record.Store
	lock         *startlock.StartLock
	http         *http.Client
	log          *logrus.Entry
}

// New constructs a Supervisor from cfg, the pre-wired Orchestrator and
// manifest.Client it should use, and a logger.
func New(cfg config.Config, orch *orchestrator.Orchestrator, manifestClient *manifest.Client, log *logrus.Logger) *Supervisor {
	if log == nil {
		log = applog.New(cfg.LogLevel)
	}
	return &Supervisor{
		cfg:          cfg,
		orchestrator: orch,
		manifest:     manifestClient,
		health:       healthprobe.New(nil),
		store:        record.NewStore(cfg.RunningServiceFile),
		lock:         startlock.New(cfg.StartLockFile),
		http:         &http.Client{Timeout: 10 * time.Second},
		log:          applog.WithOp(log, "supervisor"),
	}
}

// Start acquires the start lock, stops a recorded instance of a different
// hash, verifies appPort is free, materializes the model, spawns backend
// then API, waits for both to report healthy, and persists the
// SupervisionRecord. It is idempotent for a matching hash: a second Start
// with the same hash while already running returns success without
// spawning anything new.
func (s *Supervisor) Start(ctx context.Context, hash manifest.ContentID, appPort int, host string, contextLength int) (bool, error) {
	if err := s.lock.Acquire(); err != nil {
		return false, fmt.Errorf("supervisor: start: %w", err)
	}
	defer s.lock.Release()

	if running, err := s.getRunningHashLocked(); err == nil && running == string(hash) {
		s.log.WithField("hash", hash).Warn("model already running")
		return true, nil
	} else if err == nil && running != "" {
		s.log.WithField("previous_hash", running).Info("stopping existing model before start")
		if _, serr := s.stopLocked(ctx); serr != nil {
			return false, fmt.Errorf("supervisor: start: stop previous instance: %w", serr)
		}
	}

	if err := checkPortFree(host, appPort); err != nil {
		return false, fmt.Errorf("supervisor: start: %w", err)
	}

	modelPath, err := s.orchestrator.Materialize(ctx, hash)
	if err != nil {
		return false, fmt.Errorf("supervisor: start: materialize: %w", err)
	}

	projectorPath := modelPath + "-projector"
	multimodal := fileExists(projectorPath)

	family, ram, err := s.resolveFamilyMetadata(ctx, hash, modelPath)
	if err != nil {
		return false, fmt.Errorf("supervisor: start: family metadata: %w", err)
	}

	sel := cmdbuilder.SelectFamily(family.FolderName)
	effectiveContext := contextLength
	if sel.HalveContext {
		effectiveContext = contextLength / 2
	}

	backendPort, err := freePort()
	if err != nil {
		return false, fmt.Errorf("supervisor: start: allocate backend port: %w", err)
	}

	params := cmdbuilder.Params{
		ServerPath:    s.cfg.LlamaServerPath,
		ModelPath:     modelPath,
		Port:          backendPort,
		Host:          host,
		ContextLength: effectiveContext,
	}
	if sel.UseTemplate {
		params.TemplatePath = templatePath(family.Family)
	}
	if sel.UseBestPractice {
		params.BestPracticeSet = loadBestPractice(family.Family)
	}
	if multimodal {
		params.MmprojPath = projectorPath
	}
	argv := cmdbuilder.Build(params)

	if err := os.MkdirAll(s.cfg.LogDir, 0o755); err != nil {
		return false, fmt.Errorf("supervisor: start: create log dir: %w", err)
	}

	backendLog, err := os.Create(filepath.Join(s.cfg.LogDir, "ai.log"))
	if err != nil {
		return false, fmt.Errorf("supervisor: start: open ai.log: %w", err)
	}
	defer backendLog.Close()

	backendCmd, err := procsupervisor.Spawn(argv[0], argv[1:], backendLog)
	if err != nil {
		return false, fmt.Errorf("supervisor: start: spawn backend: %w", err)
	}
	backendPID := backendCmd.Process.Pid

	if err := s.health.Wait(ctx, backendPort); err != nil {
		procsupervisor.Terminate(ctx, backendPID, "backend", s.log)
		return false, fmt.Errorf("supervisor: start: backend health: %w", err)
	}

	apiLog, err := os.Create(filepath.Join(s.cfg.LogDir, "api.log"))
	if err != nil {
		procsupervisor.Terminate(ctx, backendPID, "backend", s.log)
		return false, fmt.Errorf("supervisor: start: open api.log: %w", err)
	}
	defer apiLog.Close()

	apiCmd, err := s.spawnAPI(host, appPort, apiLog)
	if err != nil {
		procsupervisor.Terminate(ctx, backendPID, "backend", s.log)
		return false, fmt.Errorf("supervisor: start: spawn API: %w", err)
	}
	apiPID := apiCmd.Process.Pid

	if err := s.health.Wait(ctx, appPort); err != nil {
		procsupervisor.Terminate(ctx, backendPID, "backend", s.log)
		procsupervisor.Terminate(ctx, apiPID, "api", s.log)
		return false, fmt.Errorf("supervisor: start: api health: %w", err)
	}

	rec := &record.Record{
		Hash:               string(hash),
		Port:               backendPort,
		AppPort:            appPort,
		LocalTextPath:      modelPath,
		LocalProjectorPath: projectorPathOrEmpty(multimodal, projectorPath),
		Multimodal:         multimodal,
		ContextLength:      effectiveContext,
		Family:             family.Family,
		RAM:                ram,
		RunningAICommand:   argv,
		PID:                backendPID,
		AppPID:             apiPID,
		LastActivity:       time.Now().Unix(),
	}

	if err := s.store.Save(rec); err != nil {
		procsupervisor.Terminate(ctx, backendPID, "backend", s.log)
		procsupervisor.Terminate(ctx, apiPID, "api", s.log)
		return false, fmt.Errorf("supervisor: start: persist record: %w", err)
	}

	if err := s.postUpdate(appPort, rec); err != nil {
		s.log.WithError(err).Error("failed to update API with service metadata")
		_, _ = s.stopLocked(ctx)
		return false, fmt.Errorf("supervisor: start: post update: %w", err)
	}

	return true, nil
}

// Stop loads the SupervisionRecord, terminates both processes, verifies
// both ports are free, and removes the record. It returns false (not an
// error) when no record exists.
func (s *Supervisor) Stop(ctx context.Context) (bool, error) {
	if err := s.lock.Acquire(); err != nil {
		return false, fmt.Errorf("supervisor: stop: %w", err)
	}
	defer s.lock.Release()
	return s.stopLocked(ctx)
}

func (s *Supervisor) stopLocked(ctx context.Context) (bool, error) {
	rec, err := s.store.Load()
	if err != nil {
		return false, nil
	}

	backendOK := procsupervisor.Terminate(ctx, rec.PID, "backend", s.log)
	apiOK := procsupervisor.Terminate(ctx, rec.AppPID, "api", s.log)

	if !waitPortsFree(rec.AppPort, rec.Port) {
		return false, fmt.Errorf("supervisor: stop: ports still bound after termination")
	}

	if err := s.store.Remove(); err != nil {
		return false, fmt.Errorf("supervisor: stop: remove record: %w", err)
	}

	return backendOK && apiOK, nil
}

// Restart reads the current record's (hash, app_port, context_length),
// stops, then starts again with those parameters.
func (s *Supervisor) Restart(ctx context.Context, host string) (bool, error) {
	rec, err := s.store.Load()
	if err != nil {
		return false, fmt.Errorf("supervisor: restart: %w", err)
	}

	if _, err := s.Stop(ctx); err != nil {
		return false, fmt.Errorf("supervisor: restart: stop: %w", err)
	}

	return s.Start(ctx, manifest.ContentID(rec.Hash), rec.AppPort, host, rec.ContextLength)
}

// GetRunningModel returns the hash of the currently recorded model, or ""
// if no record exists.
func (s *Supervisor) GetRunningModel() (string, error) {
	rec, err := s.store.Load()
	if err != nil {
		return "", nil
	}
	return rec.Hash, nil
}

func (s *Supervisor) getRunningHashLocked() (string, error) {
	rec, err := s.store.Load()
	if err != nil {
		return "", err
	}
	return rec.Hash, nil
}

func (s *Supervisor) resolveFamilyMetadata(ctx context.Context, hash manifest.ContentID, modelPath string) (*manifest.FamilyMetadata, float64, error) {
	metaPath := filepath.Join(filepath.Dir(modelPath), string(hash)+".json")

	if data, err := os.ReadFile(metaPath); err == nil {
		var meta manifest.FamilyMetadata
		if err := json.Unmarshal(data, &meta); err == nil {
			return &meta, meta.RAM, nil
		}
	}

	meta, err := s.manifest.FetchFamilyMetadata(ctx, hash)
	if err != nil {
		return &manifest.FamilyMetadata{}, 0, nil
	}

	if data, err := json.Marshal(meta); err == nil {
		_ = os.WriteFile(metaPath, data, 0o644)
	}
	return meta, meta.RAM, nil
}

func (s *Supervisor) spawnAPI(host string, port int, logFile *os.File) (*exec.Cmd, error) {
	return procsupervisor.Spawn("llm-supervisor-api", []string{"--host", host, "--port", fmt.Sprint(port)}, logFile)
}

func (s *Supervisor) postUpdate(appPort int, rec *record.Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("http://localhost:%d/update", appPort)
	resp, err := s.http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("update endpoint returned status %s", resp.Status)
	}
	return nil
}

func checkPortFree(host string, port int) error {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", host, port), portProbeTimeout)
	if err == nil {
		conn.Close()
		return fmt.Errorf("port %d already in use on %s", port, host)
	}
	return nil
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func waitPortsFree(ports ...int) bool {
	for attempt := 0; attempt < portFreeRecheckAttempts; attempt++ {
		allFree := true
		for _, p := range ports {
			if p == 0 {
				continue
			}
			if err := checkPortFree("127.0.0.1", p); err != nil {
				allFree = false
				break
			}
		}
		if allFree {
			return true
		}
		time.Sleep(portFreeRecheckSpacing)
	}
	return false
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func projectorPathOrEmpty(multimodal bool, path string) string {
	if multimodal {
		return path
	}
	return ""
}

func templatePath(family string) string {
	return filepath.Join("assets", "templates", family+".jinja")
}

// loadBestPractice reads a family's best-practice flags, preserving JSON
// object key order (the cmdbuilder contract requires iteration order, not
// map order, which encoding/json's map decode does not guarantee).
func loadBestPractice(family string) []cmdbuilder.KV {
	path := filepath.Join("assets", "best_practices", family+".json")
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if _, err := dec.Token(); err != nil { // consume opening '{'
		return nil
	}

	var kvs []cmdbuilder.KV
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return kvs
		}
		key, _ := keyTok.(string)

		var value string
		if err := dec.Decode(&value); err != nil {
			return kvs
		}
		kvs = append(kvs, cmdbuilder.KV{Key: key, Value: value})
	}
	return kvs
}
