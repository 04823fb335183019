// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"errors"

	"github.com/charmbracelet/glamour"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const (
	ConfigLoadFailedId Id = iota + 1
	EndpointFailedId
	BindingConflictId
	ContainerEngineNotFoundId
	AgentStartFailedId
	AppFailedId
)

type (
	// Id identifies a catalogued issue.
	Id int

	// MarkdownMsg is Markdown source rendered for the terminal.
	MarkdownMsg string

	// Issue is a catalogued failure with remediation guidance.
	Issue struct {
		id    Id
		mdMsg MarkdownMsg
	}
)

var (
	render = glamour.Render

	issues = map[Id]*Issue{
		ConfigLoadFailedId: {id: ConfigLoadFailedId, mdMsg: `
# Configuration could not be loaded

The configuration file was found but is not valid.

## Things you can try
- Check the file against the schema printed by ` + "`appscope config show`" + `
- Remove the file to fall back to the defaults
- Override single values with ` + "`APPSCOPE_*`" + ` environment variables`},

		EndpointFailedId: {id: EndpointFailedId, mdMsg: `
# A management endpoint could not be created

An application asked for a remote management endpoint and provisioning failed.
The registry was not created.

## Things you can try
- Use ` + "`management.remote.port: \"any\"`" + ` to let the kernel pick a free port
- Check that ` + "`management.remote.ssl.cert`" + ` and ` + "`management.remote.ssl.key`" + ` point to readable PEM files
- Set ` + "`management.remote.disabled: true`" + ` to skip the endpoint`},

		BindingConflictId: {id: BindingConflictId, mdMsg: `
# Goroutine already bound

A goroutine running one application tried to adopt a second application's scope.

## Things you can try
- Start work for another application on its own goroutine
- Pass the scope explicitly with a context instead of rebinding`},

		ContainerEngineNotFoundId: {id: ContainerEngineNotFoundId, mdMsg: `
# No container engine found

Container applications need Docker or Podman on the PATH.

## Things you can try
- Install Docker or Podman
- Select the engine with ` + "`container.engine`" + ` in the configuration`},

		AgentStartFailedId: {id: AgentStartFailedId, mdMsg: `
# The SSH launch agent did not start

## Things you can try
- Choose another port with ` + "`--port`" + ` or ` + "`agent.port`" + `
- Use port 0 to let the kernel choose`},

		AppFailedId: {id: AppFailedId, mdMsg: `
# An application exited with an error

Its output was written to the application's own streams.

## Things you can try
- Re-run with ` + "`--verbose`" + ` to see the full error chain`},
	}
)

// Id returns the issue identifier.
func (i *Issue) Id() Id { return i.id }

// MarkdownMsg returns the Markdown source.
func (i *Issue) MarkdownMsg() MarkdownMsg { return i.mdMsg }

// Render renders the issue with the glamour style at stylePath.
func (i *Issue) Render(stylePath string) (string, error) {
	return render(string(i.mdMsg), stylePath)
}

// Get returns the catalogued issue for id, or nil.
func Get(id Id) *Issue {
	return issues[id]
}

// Values returns every catalogued issue ordered by Id.
func Values() []*Issue {
	all := maps.Values(issues)
	slices.SortFunc(all, func(a, b *Issue) int { return int(a.id) - int(b.id) })
	return all
}

// RenderError renders err for the terminal. Actionable errors are shown as
// Markdown with their suggestions, followed by the catalogued guidance for
// id when id is non-zero.
func RenderError(err error, id Id, stylePath string) (string, error) {
	md := err.Error()
	var ae *ActionableError
	if errors.As(err, &ae) {
		md = ae.Markdown()
	}
	if i := Get(id); i != nil {
		md += "\n" + string(i.mdMsg)
	}
	return render(md, stylePath)
}
