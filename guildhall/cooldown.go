package guildhall

import (
	"sync"
	"sync/atomic"
	"time"
)

// CooldownTracker records when each user last ran each command. It only
// lives in process memory.
type CooldownTracker struct {
	mu    sync.Mutex
	last  map[cooldownKey]time.Time
	now   func() time.Time
	sweep time.Time
}

type cooldownKey struct {
	command string
	userID  string
}

// cooldownSweepInterval is how often expired entries are pruned
const cooldownSweepInterval = 10 * time.Minute

// NewCooldownTracker returns a tracker using now as its clock. A nil now
// uses time.Now.
func NewCooldownTracker(now func() time.Time) *CooldownTracker {
	if now == nil {
		now = time.Now
	}
	return &CooldownTracker{
		last:  map[cooldownKey]time.Time{},
		now:   now,
		sweep: now(),
	}
}

// Remaining returns how long the user must wait before running command
// again, or zero if they may run it now
func (c *CooldownTracker) Remaining(
	command string,
	userID string,
	cooldown time.Duration,
) time.Duration {
	if cooldown <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	last, ok := c.last[cooldownKey{command: command, userID: userID}]
	if !ok {
		return 0
	}
	remaining := cooldown - c.now().Sub(last)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Record marks the command as run by the user now
func (c *CooldownTracker) Record(command string, userID string, cooldown time.Duration) {
	if cooldown <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recordLocked(cooldownKey{command: command, userID: userID}, c.now())
}

// TryAcquire records the command as run by the user now, unless they're
// still on cooldown, in which case it returns the time left and false.
// The check and the record happen under one lock, so concurrent
// invocations can't both pass.
func (c *CooldownTracker) TryAcquire(
	command string,
	userID string,
	cooldown time.Duration,
) (time.Duration, bool) {
	if cooldown <= 0 {
		return 0, true
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cooldownKey{command: command, userID: userID}
	now := c.now()
	if last, ok := c.last[key]; ok {
		if remaining := cooldown - now.Sub(last); remaining > 0 {
			return remaining, false
		}
	}
	c.recordLocked(key, now)
	return 0, true
}

func (c *CooldownTracker) recordLocked(key cooldownKey, now time.Time) {
	c.last[key] = now
	if now.Sub(c.sweep) > cooldownSweepInterval {
		c.pruneLocked(now)
	}
}

// pruneLocked drops entries old enough that no cooldown could still apply
func (c *CooldownTracker) pruneLocked(now time.Time) {
	c.sweep = now
	for k, t := range c.last {
		if now.Sub(t) > maxCooldown {
			delete(c.last, k)
		}
	}
}

// Reset clears the user's cooldown for command
func (c *CooldownTracker) Reset(command string, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.last, cooldownKey{command: command, userID: userID})
}

// ResetCommand clears every user's cooldown for command
func (c *CooldownTracker) ResetCommand(command string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.last {
		if k.command == command {
			delete(c.last, k)
		}
	}
}

// maxCooldown is the longest cooldown any command may declare
const maxCooldown = 24 * time.Hour

// ProcessState holds process-wide runtime state shared by the pipeline and
// the owner commands
type ProcessState struct {
	maintenance atomic.Bool
	startedAt   time.Time

	mu     sync.RWMutex
	owners map[string]struct{}

	commandsExecuted atomic.Int64
	eventsHandled    atomic.Int64
}

func NewProcessState(startedAt time.Time) *ProcessState {
	return &ProcessState{
		startedAt: startedAt,
		owners:    map[string]struct{}{},
	}
}

func (p *ProcessState) Maintenance() bool {
	return p.maintenance.Load()
}

func (p *ProcessState) SetMaintenance(on bool) {
	p.maintenance.Store(on)
}

func (p *ProcessState) StartedAt() time.Time {
	return p.startedAt
}

func (p *ProcessState) Uptime() time.Duration {
	return time.Since(p.startedAt)
}

func (p *ProcessState) IsOwner(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.owners[userID]
	return ok
}

func (p *ProcessState) AddOwners(userIDs ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range userIDs {
		if id != "" {
			p.owners[id] = struct{}{}
		}
	}
}

func (p *ProcessState) Owners() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rv := make([]string, 0, len(p.owners))
	for id := range p.owners {
		rv = append(rv, id)
	}
	return rv
}

func (p *ProcessState) CommandsExecuted() int64 {
	return p.commandsExecuted.Load()
}

func (p *ProcessState) EventsHandled() int64 {
	return p.eventsHandled.Load()
}
