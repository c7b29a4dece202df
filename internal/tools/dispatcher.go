package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Almazziastinov/NoteMind/internal/notes"
	"github.com/Almazziastinov/NoteMind/internal/tags"
)

// DefaultHelp is the fallback usage text when no help file is
// configured.
const DefaultHelp = `I'm a note-taking bot. Send me a message (or a voice message) and I'll figure out what you want:

- "show my notes" lists everything you've saved
- "add a note: buy milk" stores a note; I'll tag it automatically
- "delete note 3" removes a note by its id
- "edit note 3: buy oat milk" replaces a note's text and re-tags it
- "find notes tagged work" searches by tag
- "report: something is broken" forwards a bug report to my developer`

// Dispatcher executes parsed tool calls against the note store and tag
// suggester, formatting a human-readable result for the model. Execute
// never returns an error: every failure degrades to a result string so
// the turn loop can always complete.
type Dispatcher struct {
	store     notes.Store
	suggester tags.Suggester
	help      string
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher. help may be empty, in which case
// DefaultHelp is served.
func NewDispatcher(store notes.Store, suggester tags.Suggester, help string, logger *slog.Logger) *Dispatcher {
	if help == "" {
		help = DefaultHelp
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:     store,
		suggester: suggester,
		help:      help,
		logger:    logger,
	}
}

// Execute runs one tool call for the given user. The second return
// value is non-nil only for the report tool.
func (d *Dispatcher) Execute(ctx context.Context, userID int64, call Call) (string, *Deferred) {
	switch c := call.(type) {
	case ListNotes:
		return d.listNotes(ctx, userID), nil
	case AddNote:
		return d.addNote(ctx, userID, c), nil
	case DeleteNote:
		return d.deleteNote(ctx, userID, c), nil
	case EditNote:
		return d.editNote(ctx, userID, c), nil
	case FindByTag:
		return d.findByTag(ctx, userID, c), nil
	case GetHelp:
		return d.help, nil
	case ReportIssue:
		return d.reportIssue(c)
	default:
		// Unreachable for calls produced by Parse.
		d.logger.Error("unhandled tool call variant", "call", fmt.Sprintf("%T", call))
		return "That action is not available.", nil
	}
}

func (d *Dispatcher) listNotes(ctx context.Context, userID int64) string {
	list, err := d.store.List(ctx, userID)
	if err != nil {
		d.logger.Error("list notes failed", "user_id", userID, "error", err)
		return storeErrorResult(err)
	}
	if len(list) == 0 {
		return "You don't have any notes yet."
	}

	var sb strings.Builder
	sb.WriteString("Your notes:\n")
	for _, n := range list {
		fmt.Fprintf(&sb, "%d. %s\n   Tags: %s\n", n.ID, n.Text, formatTags(n.Tags))
	}
	return sb.String()
}

func (d *Dispatcher) addNote(ctx context.Context, userID int64, c AddNote) string {
	text := strings.TrimSpace(c.Text)
	if text == "" {
		return "The note text is empty; nothing was added."
	}

	suggested := d.suggester.Suggest(ctx, text)

	note, err := d.store.Add(ctx, userID, text, suggested)
	if err != nil {
		d.logger.Error("add note failed", "user_id", userID, "error", err)
		return storeErrorResult(err)
	}

	return fmt.Sprintf("Note added (id %d): %s\nTags: %s", note.ID, note.Text, formatTags(note.Tags))
}

func (d *Dispatcher) deleteNote(ctx context.Context, userID int64, c DeleteNote) string {
	if c.ID <= 0 {
		return "That is not a valid note id."
	}

	ok, err := d.store.Delete(ctx, userID, c.ID)
	if err != nil {
		d.logger.Error("delete note failed", "user_id", userID, "note_id", c.ID, "error", err)
		return storeErrorResult(err)
	}
	if !ok {
		return fmt.Sprintf("There is no note with id %d.", c.ID)
	}
	return fmt.Sprintf("Note %d deleted.", c.ID)
}

func (d *Dispatcher) editNote(ctx context.Context, userID int64, c EditNote) string {
	if c.ID <= 0 {
		return "That is not a valid note id."
	}
	text := strings.TrimSpace(c.NewText)
	if text == "" {
		return "The replacement text is empty; the note was not changed."
	}

	suggested := d.suggester.Suggest(ctx, text)

	ok, err := d.store.Edit(ctx, userID, c.ID, text, suggested)
	if err != nil {
		d.logger.Error("edit note failed", "user_id", userID, "note_id", c.ID, "error", err)
		return storeErrorResult(err)
	}
	if !ok {
		return fmt.Sprintf("There is no note with id %d.", c.ID)
	}
	return fmt.Sprintf("Note %d updated.\nNew tags: %s", c.ID, formatTags(suggested))
}

func (d *Dispatcher) findByTag(ctx context.Context, userID int64, c FindByTag) string {
	tag := strings.TrimSpace(c.Tag)
	if tag == "" {
		return "Please provide a tag to search for."
	}

	found, err := d.store.FindByTag(ctx, userID, tag)
	if err != nil {
		d.logger.Error("find by tag failed", "user_id", userID, "tag", tag, "error", err)
		return storeErrorResult(err)
	}
	if len(found) == 0 {
		return fmt.Sprintf("No notes found with tag %q.", tag)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Notes tagged %q:\n", tag)
	for _, n := range found {
		fmt.Fprintf(&sb, "%d. %s\n", n.ID, n.Text)
	}
	return sb.String()
}

func (d *Dispatcher) reportIssue(c ReportIssue) (string, *Deferred) {
	text := strings.TrimSpace(c.Text)
	if text == "" {
		return "The report is empty; please describe the problem.", nil
	}

	deferred := &Deferred{Kind: KindReport, Payload: text}
	return "Thanks for the feedback! I've passed it on to the developer.", deferred
}

// Definitions returns the model-facing descriptors for the tool set.
// Method form of the package-level Definitions so a *Dispatcher
// satisfies the agent loop's Tooling interface.
func (d *Dispatcher) Definitions() []map[string]any {
	return Definitions()
}

// Run parses and executes a model-requested tool call. known is false
// for names outside the fixed tool set; the caller decides how to
// handle those (the agent loop skips them).
func (d *Dispatcher) Run(ctx context.Context, userID int64, name string, args map[string]any) (result string, deferred *Deferred, known bool) {
	call, ok := Parse(name, args)
	if !ok {
		return "", nil, false
	}
	result, deferred = d.Execute(ctx, userID, call)
	return result, deferred, true
}

// storeErrorResult phrases a persistence failure for the model so it
// can relay the situation in natural language.
func storeErrorResult(err error) string {
	return fmt.Sprintf("The note store is unavailable right now (%v). Nothing was changed.", err)
}

func formatTags(tags []string) string {
	if len(tags) == 0 {
		return "none"
	}
	return strings.Join(tags, ", ")
}
