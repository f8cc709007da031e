package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"text/tabwriter"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bryan-buckman/bookvore/internal/common"
	"github.com/bryan-buckman/bookvore/internal/downloads"
	"github.com/bryan-buckman/bookvore/internal/model"
	"github.com/bryan-buckman/bookvore/internal/opds"
	"github.com/bryan-buckman/bookvore/internal/server"
)

const descriptionWidth = 100

func (a *App) serve(ctx context.Context, args []string) error {
	fs := newFlagSet("serve", a.out)
	if err := fs.Parse(args); err != nil {
		return err
	}
	srv := server.New(a.sessions, a.catalog, a.engine)
	a.logger.Info("serving", zap.String("addr", a.cfg.ListenAddr), zap.String("download_dir", a.cfg.DownloadDir))
	return srv.Start(ctx, a.cfg.ListenAddr)
}

func (a *App) login(ctx context.Context, args []string) error {
	fs := newFlagSet("login", a.out)
	host := fs.String("host", "", "server address (host, host:port or URL)")
	user := fs.String("user", "", "username")
	apiKey := fs.String("apikey", "", "OPDS API key")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var err error
	if *host == "" {
		def, _ := a.db.GetSetting(ctx, model.SettingLastHost)
		if *host, err = prompt(a.in, a.out, "Server", def); err != nil {
			return err
		}
	}
	if *user == "" {
		def, _ := a.db.GetSetting(ctx, model.SettingLastUsername)
		if *user, err = prompt(a.in, a.out, "Username", def); err != nil {
			return err
		}
	}
	password, err := promptPassword(a.in, a.out)
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}

	s, err := a.sessions.SignIn(ctx, model.LoginPayload{Host: *host, Username: *user, Password: password, APIKey: *apiKey})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Signed in to %s as %s\n", s.BaseURL, s.Username)
	if !s.HasAPIKey() {
		fmt.Fprintln(a.out, "No API key yet: run `bookvore apikey KEY` to enable browsing.")
	}
	return nil
}

func (a *App) logout(ctx context.Context, args []string) error {
	if err := a.sessions.SignOut(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "Signed out")
	return nil
}

func (a *App) apiKey(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("expected exactly one API key")
	}
	s, err := a.sessions.SetAPIKey(ctx, args[0])
	if err != nil {
		return err
	}
	if s.HasAPIKey() {
		fmt.Fprintln(a.out, "API key saved")
	} else {
		fmt.Fprintln(a.out, "API key cleared")
	}
	return nil
}

func (a *App) whoami(ctx context.Context, args []string) error {
	s, err := a.sessions.Current()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Server:\t%s\n", s.BaseURL)
	fmt.Fprintf(tw, "User:\t%s\n", s.Username)
	fmt.Fprintf(tw, "API key:\t%s\n", yesNo(s.HasAPIKey()))
	if s.ExpiresAt != "" {
		fmt.Fprintf(tw, "Expires:\t%s\n", s.ExpiresAt)
	}
	return tw.Flush()
}

// fetch loads the root feed when href is empty and the sub-feed at href
// otherwise.
func (a *App) fetch(ctx context.Context, href string) (model.Feed, error) {
	s, err := a.sessions.Current()
	if err != nil {
		return model.Feed{}, err
	}
	if href == "" {
		return a.catalog.FetchRoot(ctx, s)
	}
	return a.catalog.FetchByHref(ctx, s, href)
}

func (a *App) browse(ctx context.Context, args []string) error {
	if len(args) > 1 {
		return errors.New("expected at most one feed href")
	}
	var href string
	if len(args) == 1 {
		href = args[0]
	}
	feed, err := a.fetch(ctx, href)
	if err != nil {
		return err
	}

	if feed.Title != "" {
		fmt.Fprintln(a.out, feed.Title)
		fmt.Fprintln(a.out)
	}
	if len(feed.Entries) == 0 {
		fmt.Fprintln(a.out, "(no entries)")
		return nil
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tID\tTITLE\tHREF")
	for _, e := range feed.Entries {
		kind, href := model.LinkUnknown, ""
		if link, ok := opds.PickPrimaryLink(e); ok {
			kind, href = opds.Classify(link), link.Href
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", kind, e.ID, e.Title, href)
		if d := truncate(opds.Describe(e), descriptionWidth); d != "" {
			fmt.Fprintf(tw, "\t\t  %s\t\n", d)
		}
	}
	return tw.Flush()
}

// stringList collects a repeatable flag.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func (a *App) download(ctx context.Context, args []string) error {
	fs := newFlagSet("download", a.out)
	feedHref := fs.String("feed", "", "feed href (root feed when empty)")
	all := fs.Bool("all", false, "download every entry with an acquisition link")
	var ids stringList
	fs.Var(&ids, "entry", "entry id to download (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !*all && len(ids) == 0 {
		return errors.New("select entries with -entry ID or -all")
	}

	s, err := a.sessions.Current()
	if err != nil {
		return err
	}
	feed, err := a.fetch(ctx, *feedHref)
	if err != nil {
		return err
	}
	selected, err := selectEntries(feed, ids, *all)
	if err != nil {
		return err
	}

	events, unsubscribe := a.engine.Store().Subscribe()
	var printed sync.WaitGroup
	printed.Add(1)
	go func() {
		defer printed.Done()
		a.printProgress(events)
	}()

	// Failures are recorded on their records; every download runs to its end.
	var g errgroup.Group
	for _, e := range selected {
		e := e // per-iteration copy: go directive is 1.21 (pre-loopvar semantics)
		link, _ := opds.PickPrimaryLink(e)
		g.Go(func() error {
			_, err := a.engine.Download(ctx, s, e, link)
			return err
		})
	}
	firstErr := g.Wait()
	unsubscribe()
	printed.Wait()

	// Outcomes come from the store: the subscription may have dropped events.
	var failed int
	for _, rec := range a.engine.Store().List() {
		a.printOutcome(rec)
		if rec.Status == model.StatusError {
			failed++
		}
	}
	fmt.Fprintf(a.out, "%d downloaded, %d failed\n", len(selected)-failed, failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d downloads failed: %w", failed, len(selected), firstErr)
	}
	return nil
}

// selectEntries picks the entries to download: all acquirable ones, or the
// named ids in the order given.
func selectEntries(feed model.Feed, ids []string, all bool) ([]model.Entry, error) {
	acquirable := func(e model.Entry) bool {
		link, ok := opds.PickPrimaryLink(e)
		return ok && opds.Classify(link) == model.LinkAcquisition
	}

	if all {
		var out []model.Entry
		for _, e := range feed.Entries {
			if acquirable(e) {
				out = append(out, e)
			}
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("feed has nothing to download: %w", common.ErrMissingLink)
		}
		return out, nil
	}

	byID := make(map[string]model.Entry, len(feed.Entries))
	for _, e := range feed.Entries {
		byID[e.ID] = e
	}
	out := make([]model.Entry, 0, len(ids))
	for _, id := range ids {
		e, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("entry %q is not in the feed", id)
		}
		if !acquirable(e) {
			return nil, fmt.Errorf("entry %q: %w", id, common.ErrMissingLink)
		}
		out = append(out, e)
	}
	return out, nil
}

// printProgress reports queueing and every quarter of progress until events
// is closed. Outcomes are printed by printOutcome.
func (a *App) printProgress(events <-chan model.DownloadRecord) {
	type seen struct {
		status  model.DownloadStatus
		quarter int
	}
	last := make(map[string]seen)

	for rec := range events {
		prev, known := last[rec.ID]
		quarter := int(rec.Progress * 4)
		switch {
		case known && prev.status == rec.Status && (rec.Status != model.StatusDownloading || quarter <= prev.quarter):
			continue
		case rec.Status == model.StatusIdle:
			fmt.Fprintf(a.out, "queued       %s\n", rec.Title)
		case rec.Status == model.StatusDownloading:
			fmt.Fprintf(a.out, "downloading  %s %3.0f%%\n", rec.Title, rec.Progress*100)
		}
		last[rec.ID] = seen{status: rec.Status, quarter: quarter}
	}
}

func (a *App) printOutcome(rec model.DownloadRecord) {
	switch rec.Status {
	case model.StatusCompleted:
		path, err := downloads.LocalPath(rec.LocalURI)
		if err != nil {
			path = rec.LocalURI
		}
		fmt.Fprintf(a.out, "completed    %s -> %s\n", rec.Title, path)
	case model.StatusError:
		fmt.Fprintf(a.out, "failed       %s: %s\n", rec.Title, rec.ErrorMessage)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
