// Package daemon runs sync passes in the background for the taskdav daemon.
//
// # Architecture
//
// The daemon consists of several components:
//
//   - Manager: single-flights sync attempts and drives the periodic scheduler
//   - FileWatcher: fsnotify-based monitoring of the settings file and the task database
//   - Daemon: debounces file changes and turns them into sync triggers
//
// Attempts come from four sources, each tagged with a tasksync.Reason:
//
//	startup         Daemon.Start (SyncOnStart)
//	scheduled       Manager.Run, every Settings.SyncInterval
//	config_updated  settings file written
//	data_changed    database written while dirty records exist
//	manual          callers of Manager.SyncNow (CLI, dashboard)
//
// # Single flight
//
// An attempt that finds another one running returns immediately:
//
//	out := m.SyncNow(ctx, tasksync.ReasonManual)
//	if out.Status == tasksync.StatusSkipped && out.Reason == tasksync.SkipAlreadyRunning {
//	    // another pass is in progress
//	}
//
// Every finished attempt, skips included, is delivered to the observers
// registered with Subscribe. StatusRecorder persists successes and errors;
// LogObserver logs each outcome.
//
// # Usage
//
//	settings, _ := config.Load("")
//	db, _ := store.Open(settings.StorePath())
//
//	m, err := daemon.NewManager(settings, db, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	m.Subscribe(daemon.StatusRecorder(db, nil))
//
//	d, err := daemon.New(m, settings, db, &daemon.Config{
//	    SettingsPath:     settings.Path(),
//	    DataPath:         settings.StorePath(),
//	    DebounceInterval: 500 * time.Millisecond,
//	    SyncOnStart:      true,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := d.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Database writes seen while an attempt runs, or within one debounce
// interval after it, are ignored so a pass does not retrigger itself
// through its own writes.
//
// Rescheduling never interrupts a running pass: RestartScheduler only
// makes the next wait use the new interval.
package daemon
