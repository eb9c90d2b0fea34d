package handler

// Chat-platform interaction wire types. Only the fields Skyflock reads are
// modeled; everything else in the payload passes through untouched.

const (
	InteractionPing        = 1
	InteractionCommand     = 2
	InteractionComponent   = 3
	InteractionModalSubmit = 5
)

const (
	ResponsePong    = 1
	ResponseMessage = 4
	ResponseModal   = 9
)

const (
	ComponentActionRow  = 1
	ComponentButton     = 2
	ComponentSelectMenu = 3
	ComponentTextInput  = 4
)

const (
	ButtonPrimary   = 1
	ButtonSecondary = 2
	ButtonDanger    = 4
)

const (
	TextInputShort     = 1
	TextInputParagraph = 2
)

// MessageFlagEphemeral keeps a response visible only to the invoking user.
const MessageFlagEphemeral = 64

type Interaction struct {
	ID        string          `json:"id"`
	Type      int             `json:"type"`
	GuildID   string          `json:"guild_id"`
	ChannelID string          `json:"channel_id"`
	Member    *Member         `json:"member,omitempty"`
	Data      InteractionData `json:"data"`
}

type Member struct {
	User User `json:"user"`
}

type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type InteractionData struct {
	Name       string          `json:"name,omitempty"`
	Options    []CommandOption `json:"options,omitempty"`
	CustomID   string          `json:"custom_id,omitempty"`
	Values     []string        `json:"values,omitempty"`
	Components []Component     `json:"components,omitempty"`
}

type CommandOption struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Option returns the named command option's value, or "".
func (d InteractionData) Option(name string) string {
	for _, opt := range d.Options {
		if opt.Name == name {
			return opt.Value
		}
	}
	return ""
}

// Input returns the value of the named text input in a modal submission.
func (d InteractionData) Input(customID string) string {
	for _, row := range d.Components {
		for _, c := range row.Components {
			if c.CustomID == customID {
				return c.Value
			}
		}
	}
	return ""
}

type InteractionResponse struct {
	Type int           `json:"type"`
	Data *ResponseData `json:"data,omitempty"`
}

type ResponseData struct {
	Content    string      `json:"content,omitempty"`
	Flags      int         `json:"flags,omitempty"`
	Components []Component `json:"components,omitempty"`

	// modal fields
	CustomID string `json:"custom_id,omitempty"`
	Title    string `json:"title,omitempty"`
}

type Component struct {
	Type        int            `json:"type"`
	CustomID    string         `json:"custom_id,omitempty"`
	Label       string         `json:"label,omitempty"`
	Style       int            `json:"style,omitempty"`
	Placeholder string         `json:"placeholder,omitempty"`
	Required    bool           `json:"required,omitempty"`
	Options     []SelectOption `json:"options,omitempty"`
	Components  []Component    `json:"components,omitempty"`
	Value       string         `json:"value,omitempty"`
}

type SelectOption struct {
	Label       string `json:"label"`
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
	Default     bool   `json:"default,omitempty"`
}
