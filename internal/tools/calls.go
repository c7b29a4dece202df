// Package tools defines the note-management tools available to the
// agent: their model-facing descriptors, their typed argument payloads,
// and the dispatcher that executes them. Descriptor, decoder, and
// handler for each tool live in this package so they cannot drift apart.
package tools

// Call is a parsed tool invocation. The variant set is closed: every
// tool the model is offered has exactly one variant, and dispatch is an
// exhaustive type switch. Unknown tool names never produce a Call;
// Parse reports them with ok=false.
type Call interface {
	call()
}

// ListNotes shows all of the user's notes.
type ListNotes struct{}

// AddNote creates a note from text; tags are suggested automatically.
type AddNote struct {
	Text string
}

// DeleteNote removes a note by id.
type DeleteNote struct {
	ID int64
}

// EditNote replaces a note's text; tags are re-suggested from the new
// text and replaced together with it.
type EditNote struct {
	ID      int64
	NewText string
}

// FindByTag lists the user's notes carrying a tag (case-insensitive
// whole-tag match).
type FindByTag struct {
	Tag string
}

// GetHelp returns the static usage text.
type GetHelp struct{}

// ReportIssue acknowledges a bug report and requests that it be
// forwarded to the operator after the turn completes.
type ReportIssue struct {
	Text string
}

func (ListNotes) call()   {}
func (AddNote) call()     {}
func (DeleteNote) call()  {}
func (EditNote) call()    {}
func (FindByTag) call()   {}
func (GetHelp) call()     {}
func (ReportIssue) call() {}

// Deferred is a side effect requested during a turn that the transport
// adapter executes after the turn completes, outside the conversation.
type Deferred struct {
	Kind    string
	Payload string
}

// KindReport identifies an issue report to forward to the operator.
const KindReport = "report"

// Tool name constants. These are the symbolic names the model sees.
const (
	NameViewNotes   = "view_notes"
	NameAddNote     = "add_note"
	NameDeleteNote  = "delete_note"
	NameEditNote    = "edit_note"
	NameFindByTag   = "find_by_tag"
	NameGetHelp     = "get_help"
	NameReportIssue = "report_issue"
)

// Parse maps a model-requested tool name and argument map to a typed
// Call. ok is false for names outside the fixed tool set; the agent
// loop skips those without producing a tool result. Missing or
// mistyped arguments decode to zero values; the handlers report those
// in plain language rather than erroring.
func Parse(name string, args map[string]any) (Call, bool) {
	switch name {
	case NameViewNotes:
		return ListNotes{}, true
	case NameAddNote:
		return AddNote{Text: stringArg(args, "note_text")}, true
	case NameDeleteNote:
		return DeleteNote{ID: intArg(args, "note_id")}, true
	case NameEditNote:
		return EditNote{
			ID:      intArg(args, "note_id"),
			NewText: stringArg(args, "new_text"),
		}, true
	case NameFindByTag:
		return FindByTag{Tag: stringArg(args, "tag")}, true
	case NameGetHelp:
		return GetHelp{}, true
	case NameReportIssue:
		return ReportIssue{Text: stringArg(args, "report_text")}, true
	default:
		return nil, false
	}
}

// Definitions returns the tool descriptors in the common
// function-calling shape, one per Call variant.
func Definitions() []map[string]any {
	return []map[string]any{
		definition(NameViewNotes,
			"Show all of the user's notes with their ids and tags.",
			map[string]any{}, nil),
		definition(NameAddNote,
			"Add a new note. Tags are suggested automatically from the note text.",
			map[string]any{
				"note_text": map[string]any{
					"type":        "string",
					"description": "The text of the note to store",
				},
			}, []string{"note_text"}),
		definition(NameDeleteNote,
			"Delete a note by its id.",
			map[string]any{
				"note_id": map[string]any{
					"type":        "integer",
					"description": "The id of the note to delete",
				},
			}, []string{"note_id"}),
		definition(NameEditNote,
			"Replace a note's text by id. Tags are re-suggested from the new text.",
			map[string]any{
				"note_id": map[string]any{
					"type":        "integer",
					"description": "The id of the note to edit",
				},
				"new_text": map[string]any{
					"type":        "string",
					"description": "The replacement text for the note",
				},
			}, []string{"note_id", "new_text"}),
		definition(NameFindByTag,
			"Find the user's notes carrying a tag. The match is case-insensitive and exact.",
			map[string]any{
				"tag": map[string]any{
					"type":        "string",
					"description": "The tag to search for",
				},
			}, []string{"tag"}),
		definition(NameGetHelp,
			"Explain what this bot can do.",
			map[string]any{}, nil),
		definition(NameReportIssue,
			"Report a bug or problem to the bot's developer.",
			map[string]any{
				"report_text": map[string]any{
					"type":        "string",
					"description": "The user's description of the problem",
				},
			}, []string{"report_text"}),
	}
}

func definition(name, description string, properties map[string]any, required []string) map[string]any {
	params := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		params["required"] = required
	}
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        name,
			"description": description,
			"parameters":  params,
		},
	}
}

// stringArg extracts a string argument, tolerating absence.
func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// intArg extracts an integer argument. JSON numbers decode as float64;
// some models send ids as strings.
func intArg(args map[string]any, key string) int64 {
	switch v := args[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case string:
		var n int64
		for _, r := range v {
			if r < '0' || r > '9' {
				return 0
			}
			n = n*10 + int64(r-'0')
		}
		return n
	default:
		return 0
	}
}
