// Package mcpserver exposes the registry as Model Context Protocol tools.
package mcpserver

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kamusis/persona/internal/config"
	"github.com/kamusis/persona/internal/logger"
	"github.com/kamusis/persona/internal/metastore"
	"github.com/kamusis/persona/internal/registry"
	"github.com/kamusis/persona/internal/template"
)

const serverName = "persona"

// Server serves registry tools. Every call runs in its own read-only session
// so the server never holds the store lock between calls.
type Server struct {
	reg    *registry.Registry
	search config.SearchConfig
	mcp    *server.MCPServer
}

// New returns a Server with all tools registered.
func New(reg *registry.Registry, search config.SearchConfig, version string) *Server {
	s := &Server{
		reg:    reg,
		search: search,
		mcp: server.NewMCPServer(serverName, version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
	}
	for _, t := range template.Types() {
		plural := t.Dir()
		s.mcp.AddTool(mcp.NewTool("list_"+plural,
			mcp.WithDescription("List the registered "+plural+" with their descriptions and tags."),
			mcp.WithString("tags", mcp.Description("Comma-separated tags every result must carry.")),
			mcp.WithString("keywords", mcp.Description("Words every result must mention in its name, description or tags.")),
		), s.listHandler(t))

		s.mcp.AddTool(mcp.NewTool("get_"+string(t),
			mcp.WithDescription("Return the "+string(t)+" prompt registered under name."),
			mcp.WithString("name", mcp.Required(), mcp.Description("Name of the "+string(t)+".")),
		), s.getHandler(t))

		s.mcp.AddTool(mcp.NewTool("match_"+plural,
			mcp.WithDescription("Find the "+plural+" whose descriptions are closest to a free-text query."),
			mcp.WithString("query", mcp.Required(), mcp.Description("What the "+string(t)+" should do.")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results.")),
			mcp.WithNumber("max_cosine_distance", mcp.Description("Drop results farther than this distance (0 to 2).")),
		), s.matchHandler(t))
	}
	s.mcp.AddTool(mcp.NewTool("install_skill",
		mcp.WithDescription("Copy a skill into <target_dir>/<name> and return the path of its SKILL.md."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Name of the skill.")),
		mcp.WithString("target_dir", mcp.Required(), mcp.Description("Absolute path of an existing directory.")),
	), s.handleInstall)
	s.mcp.AddTool(mcp.NewTool("get_skill_version",
		mcp.WithDescription("Return the registered version of a skill. Compare it with metadata.version in an installed SKILL.md to tell whether the copy is stale."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Name of the skill.")),
	), s.handleSkillVersion)
	return s
}

// MCP returns the underlying protocol server.
func (s *Server) MCP() *server.MCPServer { return s.mcp }

// ServeStdio serves requests on stdin/stdout until the input is closed.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// Summary is the list and match representation of a template.
type Summary struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
	UUID        string   `json:"uuid"`
	Distance    *float64 `json:"distance,omitempty"`
}

// Details is the get representation of a template.
type Details struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Prompt      string `json:"prompt"`
}

func summarize(rec template.Record) Summary {
	return Summary{Name: rec.Name, Description: rec.Description, Tags: rec.Tags, UUID: rec.UUID}
}

func (s *Server) listHandler(t template.Type) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := arguments(req)
		f := metastore.Filter{Keywords: stringArg(args, "keywords")}
		if tags := stringArg(args, "tags"); tags != "" {
			f.Tags = strings.Split(tags, ",")
		}
		var out []Summary
		err := s.reg.View(ctx, func(sess *registry.Session) error {
			recs, err := sess.List(t, f)
			if err != nil {
				return err
			}
			out = make([]Summary, 0, len(recs))
			for _, rec := range recs {
				out = append(out, summarize(rec))
			}
			return nil
		})
		if err != nil {
			return toolError(ctx, "list_"+t.Dir(), err), nil
		}
		return jsonResult(out)
	}
}

func (s *Server) getHandler(t template.Type) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name := stringArg(arguments(req), "name")
		if name == "" {
			return mcp.NewToolResultError("name is required"), nil
		}
		var out Details
		err := s.reg.View(ctx, func(sess *registry.Session) error {
			def, err := sess.GetDefinition(ctx, t, name)
			if err != nil {
				return err
			}
			_, body, err := template.ParseFrontmatter(def.Content())
			if err != nil {
				return err
			}
			out = Details{Name: def.Name, Description: def.Description, Prompt: strings.TrimSpace(body)}
			return nil
		})
		if err != nil {
			return toolError(ctx, "get_"+string(t), err), nil
		}
		return jsonResult(out)
	}
}

func (s *Server) matchHandler(t template.Type) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := arguments(req)
		query := stringArg(args, "query")
		if strings.TrimSpace(query) == "" {
			return mcp.NewToolResultError("query is required"), nil
		}
		limit := s.search.MaxResults
		if v, ok := numberArg(args, "limit"); ok {
			limit = int(v)
		}
		maxDistance := s.search.MaxCosineDistance
		if v, ok := numberArg(args, "max_cosine_distance"); ok {
			maxDistance = v
		}

		var out []Summary
		err := s.reg.View(ctx, func(sess *registry.Session) error {
			matches, err := sess.Match(ctx, query, t, limit)
			if err != nil {
				return err
			}
			matches = registry.WithinDistance(matches, maxDistance)
			out = make([]Summary, 0, len(matches))
			for _, m := range matches {
				sum := summarize(m.Record)
				d := m.Distance
				sum.Distance = &d
				out = append(out, sum)
			}
			return nil
		})
		if err != nil {
			return toolError(ctx, "match_"+t.Dir(), err), nil
		}
		return jsonResult(out)
	}
}

func (s *Server) handleInstall(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(req)
	name := stringArg(args, "name")
	target := stringArg(args, "target_dir")
	if name == "" || target == "" {
		return mcp.NewToolResultError("name and target_dir are required"), nil
	}
	var installed string
	err := s.reg.View(ctx, func(sess *registry.Session) error {
		var err error
		installed, err = sess.Install(ctx, name, target)
		return err
	})
	if err != nil {
		return toolError(ctx, "install_skill", err), nil
	}
	return mcp.NewToolResultText(installed), nil
}

func (s *Server) handleSkillVersion(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := stringArg(arguments(req), "name")
	if name == "" {
		return mcp.NewToolResultError("name is required"), nil
	}
	var version string
	err := s.reg.View(ctx, func(sess *registry.Session) error {
		var err error
		version, err = sess.Version(template.Skill, name)
		return err
	})
	if err != nil {
		return toolError(ctx, "get_skill_version", err), nil
	}
	return mcp.NewToolResultText(version), nil
}

func toolError(ctx context.Context, tool string, err error) *mcp.CallToolResult {
	logger.G(ctx).WithError(err).WithField("tool", tool).Debug("tool call failed")
	return mcp.NewToolResultError(err.Error())
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(b)), nil
}

func arguments(req mcp.CallToolRequest) map[string]any {
	m, _ := any(req.Params.Arguments).(map[string]any)
	return m
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func numberArg(args map[string]any, key string) (float64, bool) {
	switch v := args[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}
