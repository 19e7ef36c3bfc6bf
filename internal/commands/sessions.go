package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/vitaminmoo/smp-tool/internal/store"
	"github.com/vitaminmoo/smp-tool/internal/transfer"
)

// OpenStore opens the session store at dir, or the default one when dir is
// empty.
func OpenStore(dir string) (*store.Store, error) {
	if dir == "" {
		return store.OpenDefault()
	}
	return store.Open(dir)
}

// savedSession returns the resumable session stored under key, if any.
func savedSession(st *store.Store, key string) *transfer.Session {
	rec, err := st.Load(key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			fmt.Printf("Ignoring saved session: %v\n", err)
		}
		return nil
	}
	if rec.Session.State.Terminal() || rec.Session.Offset == 0 {
		return nil
	}
	return &rec.Session
}

// settle records how a transfer ended. Finished transfers are forgotten;
// interrupted ones with acknowledged bytes are kept for the next run, from
// their last acknowledged offset.
func settle(st *store.Store, rec store.Record) error {
	s := rec.Session
	switch s.State {
	case transfer.StateComplete, transfer.StateCancelled:
		return st.Delete(rec.Key)
	case transfer.StateIdle:
		return nil
	}
	if s.Offset == 0 {
		return nil
	}
	rec.Session.State = transfer.StatePaused
	if err := st.Save(rec); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	fmt.Printf("Progress saved at %s of %s; run the same command again to resume\n",
		humanize.IBytes(uint64(s.Offset)), humanize.IBytes(uint64(s.Total)))
	return nil
}

// SessionsList prints saved sessions.
func SessionsList(st *store.Store) error {
	entries, err := st.List()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No saved sessions")
		return nil
	}
	t := newTable("KEY", "TARGET", "FILE", "PROGRESS", "STATE", "UPDATED")
	for _, e := range entries {
		pct := 0
		if e.Total > 0 {
			pct = e.Offset * 100 / e.Total
		}
		t.Row(store.ShortHash(e.Key),
			e.Target,
			e.Filename,
			fmt.Sprintf("%s/%s (%d%%)", humanize.IBytes(uint64(e.Offset)), humanize.IBytes(uint64(e.Total)), pct),
			string(e.State),
			humanize.RelTime(e.UpdatedAt, time.Now(), "ago", "from now"))
	}
	fmt.Println(t.String())
	return nil
}

// SessionsClear deletes every saved session.
func SessionsClear(st *store.Store, yes bool) error {
	entries, err := st.List()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No saved sessions")
		return nil
	}
	if !yes && !ConfirmAction(fmt.Sprintf("Delete %d saved session(s)? Type 'yes' to continue: ", len(entries))) {
		fmt.Println("Aborted")
		return nil
	}
	for _, e := range entries {
		if err := st.Delete(e.Key); err != nil {
			return fmt.Errorf("delete %s: %w", e.Key, err)
		}
	}
	fmt.Printf("Deleted %d session(s)\n", len(entries))
	return nil
}
