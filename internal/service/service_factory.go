package service

import (
	"sync"

	"go.uber.org/zap"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	deps       Deps
	opts       Options
	monitorCfg MonitorConfig
	logger     *zap.Logger

	mu             sync.Mutex
	authService    *AuthService
	sessionService *SessionService
	monitor        *SessionMonitor
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(deps Deps, opts Options, monitorCfg MonitorConfig) *ServiceFactory {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &ServiceFactory{
		deps:       deps,
		opts:       opts,
		monitorCfg: monitorCfg,
		logger:     deps.Logger,
	}
}

// AuthService returns the auth service instance (singleton)
func (f *ServiceFactory) AuthService() *AuthService {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.authService == nil {
		f.authService = NewAuthService(f.deps, f.opts)
	}
	return f.authService
}

// SessionService returns the session service instance (singleton)
func (f *ServiceFactory) SessionService() *SessionService {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sessionService == nil {
		f.sessionService = NewSessionService(f.deps, f.opts)
	}
	return f.sessionService
}

// SessionMonitor returns the expiry monitor instance (singleton)
func (f *ServiceFactory) SessionMonitor() *SessionMonitor {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.monitor == nil {
		f.monitor = NewSessionMonitor(f.deps.Sessions, f.deps.Events, f.deps.Audit, f.monitorCfg, f.logger)
	}
	return f.monitor
}

// Cleanup drops the cached services
func (f *ServiceFactory) Cleanup() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authService = nil
	f.sessionService = nil
	f.monitor = nil
	f.logger.Debug("service factory cleaned up")
}
