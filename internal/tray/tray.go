// Package tray provides the system tray menu for handchoir.
package tray

import (
	"sync"

	"github.com/getlantern/systray"
)

// Tray is the system tray application. Its "Enable sound" item is the user
// gesture that allows audio output.
type Tray struct {
	onEnableSound func() error
	onOpen        func()
	onQuit        func()
	soundOn       bool
	note          string
	mu            sync.RWMutex

	// Menu items stored for later updates
	menuSound *systray.MenuItem
	menuNote  *systray.MenuItem
}

func New() *Tray {
	return &Tray{}
}

// OnEnableSound sets the callback run when "Enable sound" is clicked.
func (t *Tray) OnEnableSound(fn func() error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnableSound = fn
}

// OnOpen sets the callback run when "Open control panel" is clicked.
func (t *Tray) OnOpen(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onOpen = fn
}

// OnQuit sets the callback run when "Quit" is clicked.
func (t *Tray) OnQuit(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onQuit = fn
}

// Run starts the tray. It blocks until Quit.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

// Quit stops the tray from outside the menu.
func (t *Tray) Quit() {
	systray.Quit()
}

func (t *Tray) onReady() {
	systray.SetTitle("handchoir")
	systray.SetTooltip("handchoir - gesture controlled choir")

	t.mu.Lock()
	t.menuSound = systray.AddMenuItem(soundTitle(t.soundOn, nil), "Allow audio output")
	if t.soundOn {
		t.menuSound.Disable()
	}
	systray.AddSeparator()

	t.menuNote = systray.AddMenuItem(noteTitle(t.note), "Current melody note")
	t.menuNote.Disable()
	t.mu.Unlock()
	systray.AddSeparator()

	menuOpen := systray.AddMenuItem("Open control panel...", "Open the control panel in a browser")
	systray.AddSeparator()

	menuQuit := systray.AddMenuItem("Quit", "Quit handchoir")

	go func() {
		for {
			select {
			case <-t.menuSound.ClickedCh:
				t.handleEnableSound()
			case <-menuOpen.ClickedCh:
				t.handleOpen()
			case <-menuQuit.ClickedCh:
				t.handleQuit()
				return
			}
		}
	}()
}

func (t *Tray) onExit() {}

func (t *Tray) handleEnableSound() {
	t.mu.RLock()
	callback := t.onEnableSound
	t.mu.RUnlock()

	// Call the callback outside the lock to prevent deadlocks
	var err error
	if callback != nil {
		err = callback()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.soundOn = err == nil
	if t.menuSound != nil {
		t.menuSound.SetTitle(soundTitle(t.soundOn, err))
		if t.soundOn {
			t.menuSound.Disable()
		}
	}
}

func (t *Tray) handleOpen() {
	t.mu.RLock()
	callback := t.onOpen
	t.mu.RUnlock()

	if callback != nil {
		callback()
	}
}

func (t *Tray) handleQuit() {
	t.mu.RLock()
	callback := t.onQuit
	t.mu.RUnlock()

	if callback != nil {
		callback()
	}

	systray.Quit()
}

// SetNote updates the current note display. An empty name means silence.
func (t *Tray) SetNote(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if name == t.note {
		return
	}
	t.note = name
	if t.menuNote != nil {
		t.menuNote.SetTitle(noteTitle(name))
	}
}

// Note returns the note currently displayed.
func (t *Tray) Note() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.note
}

// SoundOn reports whether sound has been enabled from the tray.
func (t *Tray) SoundOn() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.soundOn
}

func soundTitle(on bool, err error) string {
	switch {
	case err != nil:
		return "Enable sound (failed, retry)"
	case on:
		return "♪ Sound on"
	default:
		return "Enable sound"
	}
}

func noteTitle(name string) string {
	if name == "" {
		return "Note: -"
	}
	return "Note: " + name
}
