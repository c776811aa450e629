package capture

import (
	"sync"

	"github.com/smazurov/rtcapture/internal/syncpt"
)

// Binder associates program slots with the process requests executed under
// them. A program activated at sequence S governs every uncoupled process
// request with a sequence at or after S until a later program is activated.
// A coupled program governs only the process request it was submitted with.
//
// A program that the firmware has retired is released once no in-flight
// process request still refers to it.
type Binder struct {
	mu       sync.Mutex
	programs []programState
	process  []processBinding
	latest   int
}

type programState struct {
	active     bool
	coupled    bool
	retired    bool
	sequence   uint32
	settingsID uint32
	statsUnits uint32
}

type processBinding struct {
	active   bool
	sequence uint32
	program  int
}

// NewBinder creates a binder for the given ring depths.
func NewBinder(processDepth, programDepth uint32) *Binder {
	b := &Binder{
		programs: make([]programState, programDepth),
		process:  make([]processBinding, processDepth),
		latest:   -1,
	}
	for i := range b.process {
		b.process[i].program = -1
	}
	return b
}

// Activate records a submitted program. Uncoupled programs become the
// current program for subsequent process requests.
func (b *Binder) Activate(slot, sequence, settingsID, statsUnits uint32, coupled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(slot) >= len(b.programs) {
		return
	}
	b.programs[slot] = programState{
		active:     true,
		coupled:    coupled,
		sequence:   sequence,
		settingsID: settingsID,
		statsUnits: statsUnits,
	}
	if !coupled {
		if b.latest < 0 || syncpt.AtOrAfter(sequence, b.programs[b.latest].sequence) || !b.programs[b.latest].active {
			b.latest = int(slot)
		}
	}
}

// Deactivate forgets a program that was never sent.
func (b *Binder) Deactivate(slot uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(slot) >= len(b.programs) {
		return
	}
	b.programs[slot] = programState{}
	if b.latest == int(slot) {
		b.latest = b.newestLocked()
	}
}

// Bind attaches a process request to a program and returns the program
// selected and its statistics unit count. coupled names an explicit program
// slot; pass rtcpu.NoProgram to bind to the program governing sequence.
// ok is false when no program applies.
func (b *Binder) Bind(processSlot, sequence, coupled uint32) (program int, statsUnits uint32, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(processSlot) >= len(b.process) {
		return -1, 0, false
	}

	program = -1
	if int(coupled) < len(b.programs) && b.programs[coupled].active {
		program = int(coupled)
	} else {
		program = b.governingLocked(sequence)
	}
	b.process[processSlot] = processBinding{active: true, sequence: sequence, program: program}
	if program < 0 {
		return -1, 0, false
	}
	return program, b.programs[program].statsUnits, true
}

// governingLocked finds the newest uncoupled program activated at or before
// sequence.
func (b *Binder) governingLocked(sequence uint32) int {
	best := -1
	for i, p := range b.programs {
		if !p.active || p.coupled || syncpt.After(p.sequence, sequence) {
			continue
		}
		if best < 0 || syncpt.After(p.sequence, b.programs[best].sequence) {
			best = i
		}
	}
	return best
}

func (b *Binder) newestLocked() int {
	best := -1
	for i, p := range b.programs {
		if !p.active || p.coupled {
			continue
		}
		if best < 0 || syncpt.After(p.sequence, b.programs[best].sequence) {
			best = i
		}
	}
	return best
}

// Unbind detaches a finished process request and returns the retired
// programs that are no longer referenced.
func (b *Binder) Unbind(processSlot uint32) []uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(processSlot) >= len(b.process) {
		return nil
	}
	prev := b.process[processSlot]
	b.process[processSlot] = processBinding{program: -1}
	if !prev.active {
		return nil
	}

	var release []uint32
	for i := range b.programs {
		if b.programs[i].active && b.programs[i].retired && !b.referencedLocked(i) {
			release = append(release, uint32(i))
			b.dropLocked(i)
		}
	}
	return release
}

// Retire marks a program as finished by the firmware. It reports true when
// the program can be released now; otherwise the release happens in Unbind.
func (b *Binder) Retire(slot uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(slot) >= len(b.programs) || !b.programs[slot].active {
		return true
	}
	b.programs[slot].retired = true
	if b.referencedLocked(int(slot)) {
		return false
	}
	b.dropLocked(int(slot))
	return true
}

// Stale reports whether no in-flight process request refers to the
// program in slot.
func (b *Binder) Stale(slot uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(slot) >= len(b.programs) || !b.programs[slot].active {
		return true
	}
	return !b.referencedLocked(int(slot))
}

// referencedLocked decides by sequence comparison whether any in-flight
// process request runs under program i.
func (b *Binder) referencedLocked(i int) bool {
	p := b.programs[i]
	next, hasNext := b.successorLocked(i)
	for _, pr := range b.process {
		if !pr.active {
			continue
		}
		if p.coupled {
			if pr.program == i {
				return true
			}
			continue
		}
		if pr.program != i && pr.program >= 0 && b.programs[pr.program].coupled {
			continue
		}
		if !syncpt.AtOrAfter(pr.sequence, p.sequence) {
			continue
		}
		if hasNext && syncpt.AtOrAfter(pr.sequence, next) {
			continue
		}
		return true
	}
	return false
}

// successorLocked returns the activation sequence of the oldest uncoupled
// program activated after program i.
func (b *Binder) successorLocked(i int) (uint32, bool) {
	seq := b.programs[i].sequence
	var next uint32
	found := false
	for j, p := range b.programs {
		if j == i || !p.active || p.coupled || !syncpt.After(p.sequence, seq) {
			continue
		}
		if !found || syncpt.After(next, p.sequence) {
			next = p.sequence
			found = true
		}
	}
	return next, found
}

func (b *Binder) dropLocked(i int) {
	b.programs[i] = programState{}
	if b.latest == i {
		b.latest = b.newestLocked()
	}
}

// Current returns the latest uncoupled program slot, or -1.
func (b *Binder) Current() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest
}

// Active returns the number of programs still held.
func (b *Binder) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, p := range b.programs {
		if p.active {
			n++
		}
	}
	return n
}

// Clear forgets every binding.
func (b *Binder) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.programs {
		b.programs[i] = programState{}
	}
	for i := range b.process {
		b.process[i] = processBinding{program: -1}
	}
	b.latest = -1
}
