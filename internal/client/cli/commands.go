package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/apptsync/internal/client/store"
	"github.com/dmitrijs2005/apptsync/internal/models"
)

var errUsage = errors.New("wrong number of arguments, see 'help'")

func parseKey(args []string) (models.Key, error) {
	if len(args) < 2 {
		return models.Key{}, errUsage
	}
	t := models.EntityType(args[0])
	if !t.Valid() {
		return models.Key{}, fmt.Errorf("unknown type %q", args[0])
	}
	return models.Key{Type: t, ID: args[1]}, nil
}

func (a *App) printRow(row store.Row) {
	var body bytes.Buffer
	if err := json.Indent(&body, row.Payload, "", "  "); err != nil {
		body.Reset()
		body.Write(row.Payload)
	}
	printlnFn(fmt.Sprintf("%s v%d %s", row.Key(), row.Version, row.State))
	printlnFn(body.String())
}

func (a *App) AddRecord(ctx context.Context) error {
	name, err := GetSimpleText(a.reader, "Name", a.out)
	if err != nil {
		return err
	}
	phone, err := GetSimpleText(a.reader, "Phone (optional)", a.out)
	if err != nil {
		return err
	}
	number, err := GetSimpleText(a.reader, "Record number (empty for walk-in)", a.out)
	if err != nil {
		return err
	}

	now := a.now().UTC()
	row, err := a.orch.Save(ctx, models.Record{
		ID:           uuid.NewString(),
		RecordNumber: number,
		Name:         name,
		Phone:        phone,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return err
	}
	printlnFn("record saved:", row.ID)
	return nil
}

func (a *App) AddEvent(ctx context.Context) error {
	bookID, err := GetSimpleText(a.reader, "Book ID", a.out)
	if err != nil {
		return err
	}
	recordID, err := GetSimpleText(a.reader, "Record ID", a.out)
	if err != nil {
		return err
	}
	recRow, err := a.orch.Get(ctx, models.Key{Type: models.EntityRecord, ID: recordID}, false)
	if err != nil {
		return fmt.Errorf("record %s: %w", recordID, err)
	}
	rec, err := models.Decode[models.Record](recRow.Envelope)
	if err != nil {
		return err
	}

	title, err := GetSimpleText(a.reader, "Title", a.out)
	if err != nil {
		return err
	}
	types, err := GetList(a.reader, "Event types", a.out)
	if err != nil {
		return err
	}
	start, err := GetTime(a.reader, "Start", a.out, false)
	if err != nil {
		return err
	}
	end, err := GetTime(a.reader, "End (optional)", a.out, true)
	if err != nil {
		return err
	}

	now := a.now().UTC()
	ev := models.Event{
		ID:           uuid.NewString(),
		BookID:       bookID,
		RecordID:     rec.ID,
		RecordNumber: rec.RecordNumber,
		Title:        title,
		EventTypes:   types,
		StartTime:    start.UTC(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if end != nil {
		e := end.UTC()
		ev.EndTime = &e
	}

	row, err := a.orch.Save(ctx, ev)
	if err != nil {
		return err
	}
	printlnFn("event saved:", row.ID)
	return nil
}

func (a *App) Show(ctx context.Context, args []string) error {
	key, err := parseKey(args)
	if err != nil {
		return err
	}
	refresh := len(args) > 2 && args[2] == "refresh"

	row, err := a.orch.Get(ctx, key, refresh)
	if err != nil {
		return err
	}
	a.printRow(row)
	return nil
}

func (a *App) Reschedule(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	start, err := GetTime(a.reader, "New start", a.out, false)
	if err != nil {
		return err
	}
	end, err := GetTime(a.reader, "New end (optional)", a.out, true)
	if err != nil {
		return err
	}
	if end != nil {
		e := end.UTC()
		end = &e
	}

	_, fresh, err := a.orch.RescheduleEvent(ctx, args[0], start.UTC(), end)
	if err != nil {
		return err
	}
	printlnFn("event rescheduled as:", fresh.ID)
	return nil
}

func (a *App) Remove(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errUsage
	}
	if _, err := a.orch.RemoveEvent(ctx, args[0], strings.Join(args[1:], " ")); err != nil {
		return err
	}
	printlnFn("event removed:", args[0])
	return nil
}

func (a *App) Reconcile(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	row, err := a.orch.ReconcileRecordKey(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	if row.ID != args[0] {
		printlnFn(fmt.Sprintf("record %s merged into %s", args[0], row.ID))
		return nil
	}
	printlnFn(fmt.Sprintf("record %s is now %s", row.ID, args[1]))
	return nil
}

func (a *App) Delete(ctx context.Context, args []string) error {
	key, err := parseKey(args)
	if err != nil {
		return err
	}
	if err := a.orch.Delete(ctx, key); err != nil {
		return err
	}
	printlnFn("deleted:", key.String())
	return nil
}

func (a *App) Sync(ctx context.Context) error {
	if err := a.orch.RetryDirty(ctx); err != nil {
		return err
	}
	if err := a.orch.PullDelta(ctx); err != nil {
		return err
	}
	printlnFn("sync complete")
	return nil
}
