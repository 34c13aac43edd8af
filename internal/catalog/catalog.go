// Package catalog holds the built-in probe suites for a Rocket.Chat style
// admin UI. Suites are plain data; selectors are deliberately loose so they
// survive markup changes between versions.
package catalog

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kuitang/rcprobe/internal/driver"
	"github.com/kuitang/rcprobe/internal/probe"
	"github.com/kuitang/rcprobe/internal/suite"
)

const DefaultMarketingURL = "https://www.rocket.chat"

// Options tune the catalog for a deployment.
type Options struct {
	// MinBodyLength is the rendered-content heuristic; 51 means "> 50".
	MinBodyLength int
	// MarketingURL is the public site checked by the marketing suite.
	MarketingURL string
	// Suffix makes created records unique per run; generated when empty.
	Suffix string
}

func (o Options) withDefaults() Options {
	if o.MinBodyLength <= 0 {
		o.MinBodyLength = 51
	}
	if o.MarketingURL == "" {
		o.MarketingURL = DefaultMarketingURL
	}
	if o.Suffix == "" {
		o.Suffix = strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	return o
}

var (
	headings   = []string{"h1", "h2", "h3"}
	textInputs = []string{`input[type="text"]`, `input[type="search"]`, `input:not([type])`}
	tables     = []string{"table", ".rcx-table", `[role="table"]`, `[role="grid"]`}
	cells      = `td, [role="cell"], [role="gridcell"]`
	createCtl  = []string{`a.create`, `a[href$="/new"]`, `button.create`, `button[data-action="new"]`}

	validationErrors = []string{`.errors`, `[role="alert"]`, `.rcx-field__error`}
)

// tinyPNG is a 1x1 transparent PNG used for upload flows.
var tinyPNG, _ = base64.StdEncoding.DecodeString(
	"iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg==")

// tinyMP3 is a single silent MPEG frame header; the server only checks the
// extension and size.
var tinyMP3 = []byte{0xFF, 0xFB, 0x90, 0x64, 0x00, 0x00, 0x00, 0x00}

// pageLoad is the standard "rendered something meaningful" group: a heading,
// and enough body text.
func pageLoad(o Options, extra ...probe.Check) probe.Check {
	checks := append([]probe.Check{
		probe.Exists(headings...),
		probe.MinBodyLength(o.MinBodyLength),
	}, extra...)
	return probe.Named("page load", probe.AllOf(checks...))
}

// listed is the success state of a create form: no validation errors and a
// table cell holding exactly name. The name alone is not enough, since error
// pages echo it back ("already exists").
func listed(name string) probe.Check {
	return probe.Named("listed "+name, probe.AllOf(
		probe.Absent(validationErrors...),
		probe.ExistsWhere(cells, fmt.Sprintf("text is %q", name), func(e probe.Element) bool {
			return strings.TrimSpace(e.Text()) == name
		}),
	))
}

// All returns every built-in suite.
func All(opts Options) []suite.Suite {
	o := opts.withDefaults()
	return []suite.Suite{
		adminRooms(o),
		directory(o),
		deviceManagement(o),
		customEmoji(o),
		customSounds(o),
		integrations(o),
		mailer(o),
		users(o),
		permissions(o),
		accessControl(o),
		marketing(o),
	}
}

// Names lists the built-in suite names.
func Names() []string {
	all := All(Options{Suffix: "x"})
	out := make([]string, len(all))
	for i, s := range all {
		out[i] = s.Name
	}
	return out
}

func login() []suite.Step {
	return []suite.Step{suite.Login(suite.Credentials{})}
}

func adminRooms(o Options) suite.Suite {
	return suite.Suite{
		Name:        "admin-rooms",
		Description: "Administration > Rooms",
		BeforeEach:  login(),
		Cases: []suite.Case{
			{Name: "page load", Steps: []suite.Step{
				suite.Visit("/admin/rooms"),
				suite.Expect(probe.AllOf(
					probe.Exists(headings...),
					probe.Exists(textInputs...),
					probe.BodyLongerThan(50),
				)),
			}},
			{Name: "lists rooms", Steps: []suite.Step{
				suite.Visit("/admin/rooms"),
				suite.Expect(probe.Resilient(tables, []string{"general"}, o.MinBodyLength)),
			}},
			{Name: "search filters rooms", Steps: []suite.Step{
				suite.Visit("/admin/rooms"),
				suite.Optional(probe.Exists(`form.search input[name="q"]`),
					suite.Fill("general", `form.search input[name="q"]`),
					suite.Submit(`form.search`),
					suite.Expect(probe.ContainsText("general")),
				),
			}},
		},
	}
}

func directory(o Options) suite.Suite {
	return suite.Suite{
		Name:        "directory",
		Description: "Directory of channels, users and teams",
		BeforeEach:  login(),
		Cases: []suite.Case{
			{Name: "page load", Steps: []suite.Step{
				suite.Visit("/directory"),
				suite.Expect(pageLoad(o)),
			}},
			{Name: "shows tabs", Steps: []suite.Step{
				suite.Visit("/directory"),
				suite.Expect(probe.AnyOf(
					probe.Exists(`[role="tab"]`, ".rcx-tabs__item", "nav.tabs a"),
					probe.ContainsText("Channels", "Users", "Teams"),
				)),
			}},
			{Name: "has search", Steps: []suite.Step{
				suite.Visit("/directory"),
				suite.Expect(probe.Exists(textInputs...)),
			}},
		},
	}
}

func deviceManagement(o Options) suite.Suite {
	return suite.Suite{
		Name:        "device-management",
		Description: "Administration > Device Management",
		BeforeEach:  login(),
		Cases: []suite.Case{
			{Name: "page load", Steps: []suite.Step{
				suite.Visit("/admin/device-management"),
				suite.Expect(pageLoad(o)),
			}},
			{Name: "lists sessions or empty state", Steps: []suite.Step{
				suite.Visit("/admin/device-management"),
				suite.Expect(probe.AnyOf(
					probe.Exists(tables...),
					probe.ContainsText("No results", "No devices"),
					probe.MinBodyLength(o.MinBodyLength),
				)),
				suite.Capture("device-management"),
			}},
		},
	}
}

func customEmoji(o Options) suite.Suite {
	name := "probe_emoji_" + o.Suffix
	return suite.Suite{
		Name:        "custom-emoji",
		Description: "Administration > Custom Emoji",
		BeforeEach:  login(),
		Cases: []suite.Case{
			{Name: "page load", Steps: []suite.Step{
				suite.Visit("/admin/emoji-custom"),
				suite.Expect(pageLoad(o)),
			}},
			{Name: "empty form reports required fields", Steps: []suite.Step{
				suite.Visit("/admin/emoji-custom"),
				suite.Optional(probe.Exists(createCtl...), suite.Click(createCtl...)),
				suite.Expect(probe.Exists(`form input[name="name"]`)),
				suite.Submit("form.emoji-form", "form"),
				suite.Expect(probe.MatchesText(`required`)),
			}},
			{Name: "creates emoji", Steps: []suite.Step{
				suite.Visit("/admin/emoji-custom/new"),
				suite.Fill(name, `input[name="name"]`),
				suite.Fill("probe_"+o.Suffix, `input[name="aliases"]`),
				suite.Upload(driver.Upload{Name: name + ".png", ContentType: "image/png", Data: tinyPNG}, `input[type="file"]`),
				suite.Submit("form.emoji-form", "form"),
				suite.Expect(listed(name)),
			}},
		},
	}
}

func customSounds(o Options) suite.Suite {
	name := "probe_sound_" + o.Suffix
	return suite.Suite{
		Name:        "custom-sounds",
		Description: "Administration > Custom Sounds",
		BeforeEach:  login(),
		Cases: []suite.Case{
			{Name: "page load", Steps: []suite.Step{
				suite.Visit("/admin/sounds"),
				suite.Expect(pageLoad(o)),
			}},
			{Name: "form has file input", Steps: []suite.Step{
				suite.Visit("/admin/sounds"),
				suite.Optional(probe.Exists(createCtl...), suite.Click(createCtl...)),
				suite.Expect(probe.Exists(`input[type="file"]`)),
			}},
			{Name: "creates sound", Steps: []suite.Step{
				suite.Visit("/admin/sounds/new"),
				suite.Fill(name, `input[name="name"]`),
				suite.Upload(driver.Upload{Name: name + ".mp3", ContentType: "audio/mpeg", Data: tinyMP3}, `input[type="file"]`),
				suite.Submit("form.sound-form", "form"),
				suite.Expect(listed(name)),
			}},
		},
	}
}

func integrations(o Options) suite.Suite {
	name := "Probe hook " + o.Suffix
	return suite.Suite{
		Name:        "integrations",
		Description: "Administration > Integrations",
		BeforeEach:  login(),
		Cases: []suite.Case{
			{Name: "page load", Steps: []suite.Step{
				suite.Visit("/admin/integrations"),
				suite.Expect(pageLoad(o)),
			}},
			{Name: "rejects channel without prefix", Steps: []suite.Step{
				suite.Visit("/admin/integrations/new/incoming"),
				suite.Fill(name, `input[name="name"]`),
				suite.Fill("general", `input[name="channel"]`),
				suite.Fill("rocket.cat", `input[name="username"]`),
				suite.Submit("form.integration-form", "form"),
				suite.Expect(probe.MatchesText(`must start with (#|@)`, `invalid channel`)),
			}},
			{Name: "creates incoming webhook", Steps: []suite.Step{
				suite.Visit("/admin/integrations/new/incoming"),
				suite.Fill(name, `input[name="name"]`),
				suite.Fill("#general", `input[name="channel"]`),
				suite.Fill("rocket.cat", `input[name="username"]`),
				suite.Submit("form.integration-form", "form"),
				suite.Expect(probe.AllOf(
					probe.ContainsText(name),
					probe.ContainsText("Webhook URL"),
				)),
			}},
		},
	}
}

func mailer(o Options) suite.Suite {
	return suite.Suite{
		Name:        "mailer",
		Description: "Administration > Mailer",
		BeforeEach:  login(),
		Cases: []suite.Case{
			{Name: "page load", Steps: []suite.Step{
				suite.Visit("/admin/mailer"),
				suite.Expect(pageLoad(o, probe.Exists(`input[name="from"]`, `input[type="email"]`))),
			}},
			{Name: "body needs unsubscribe link", Steps: []suite.Step{
				suite.Visit("/admin/mailer"),
				suite.Fill("admin@example.com", `input[name="from"]`),
				suite.Fill("Probe newsletter", `input[name="subject"]`),
				suite.Fill("<p>Hello</p>", `textarea[name="body"]`),
				suite.Submit("form.mailer-form", "form"),
				suite.Expect(probe.MatchesText(`\[unsubscribe\]`)),
			}},
		},
	}
}

func users(o Options) suite.Suite {
	return suite.Suite{
		Name:        "users",
		Description: "Administration > Users",
		BeforeEach:  login(),
		Cases: []suite.Case{
			{Name: "page load", Steps: []suite.Step{
				suite.Visit("/admin/users"),
				suite.Expect(pageLoad(o)),
			}},
			{Name: "lists admin user", Steps: []suite.Step{
				suite.Visit("/admin/users"),
				suite.Expect(probe.AllOf(
					probe.Exists(tables...),
					probe.ContainsText("admin"),
				)),
			}},
		},
	}
}

func permissions(o Options) suite.Suite {
	return suite.Suite{
		Name:        "permissions",
		Description: "Administration > Permissions",
		BeforeEach:  login(),
		Cases: []suite.Case{
			{Name: "page load", Steps: []suite.Step{
				suite.Visit("/admin/permissions"),
				suite.Expect(pageLoad(o)),
			}},
			{Name: "shows role matrix", Steps: []suite.Step{
				suite.Visit("/admin/permissions"),
				suite.Expect(probe.AllOf(
					probe.CountAtLeast("tr", 2),
					probe.ContainsText("view-room-administration"),
				)),
			}},
		},
	}
}

// accessControl visits admin pages without signing in. The server may answer
// 401/403 or redirect; either way the page that did load must say so.
func accessControl(o Options) suite.Suite {
	denied := probe.AnyOf(
		probe.ContainsText("not allowed", "not authorized", "permission"),
		probe.Exists(`input[type="password"]`),
	)
	return suite.Suite{
		Name:        "access-control",
		Description: "Admin pages refuse anonymous visitors",
		Cases: []suite.Case{
			{Name: "rooms requires sign in", Steps: []suite.Step{
				suite.Visit("/admin/rooms"),
				suite.Expect(denied),
			}},
			{Name: "settings api is public", Steps: []suite.Step{
				suite.Visit("/api/v1/settings/public"),
				suite.Expect(probe.ContainsText(`"success":true`)),
			}},
		},
	}
}

func marketing(o Options) suite.Suite {
	return suite.Suite{
		Name:        "marketing",
		Description: "Public marketing site",
		Cases: []suite.Case{
			{Name: "download link", Steps: []suite.Step{
				suite.Visit(o.MarketingURL),
				suite.Expect(probe.AttrContains(`a[href*="download"]`, "href", "download")),
			}},
		},
	}
}
