package session

import (
	"time"

	"imu-svr/internal/clock"
	"imu-svr/internal/layout"
)

// Info describe una sesión (activa o ya cerrada).
type Info struct {
	Index int
	Start time.Time
	End   time.Time
	Root  string
}

// Manager lleva el índice y la hora de inicio de la sesión activa.
// Sólo hay una sesión activa a la vez.
type Manager struct {
	baseDir  string
	prefix   string
	duration time.Duration
	clock    clock.Clock

	index int
	start time.Time
}

func NewManager(baseDir, prefix string, initialIndex int, duration time.Duration, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	return &Manager{
		baseDir:  baseDir,
		prefix:   prefix,
		duration: duration,
		clock:    clk,
		index:    initialIndex,
		start:    clk.Now(),
	}
}

func (m *Manager) Index() int {
	return m.index
}

func (m *Manager) Prefix() string {
	return m.prefix
}

func (m *Manager) Now() time.Time {
	return m.clock.Now()
}

func (m *Manager) Root() string {
	return layout.SessionRoot(m.baseDir, m.prefix, m.index)
}

func (m *Manager) Elapsed() time.Duration {
	return m.clock.Now().Sub(m.start)
}

// DeviceFile es la ruta del CSV de name en la sesión activa.
func (m *Manager) DeviceFile(name string) string {
	return layout.DeviceFile(m.baseDir, m.prefix, name, m.index)
}

// Expired indica si ya pasó la duración de la sesión.
func (m *Manager) Expired() bool {
	return m.duration > 0 && m.Elapsed() >= m.duration
}

// Rotate cierra la sesión activa (sólo su registro) y arranca la siguiente
// con índice+1. Devuelve la info de la sesión que terminó.
func (m *Manager) Rotate() Info {
	now := m.clock.Now()
	prev := Info{Index: m.index, Start: m.start, End: now, Root: m.Root()}
	m.index++
	m.start = now
	return prev
}

// Current devuelve la info de la sesión activa, con End = ahora.
func (m *Manager) Current() Info {
	return Info{Index: m.index, Start: m.start, End: m.clock.Now(), Root: m.Root()}
}
