package accesslog

import (
	"context"
	"database/sql"

	"github.com/rollo/gantry/internal/tracing"
)

// ModelCount is one entry of the top-models ranking.
type ModelCount struct {
	Model string `json:"model"`
	Count int    `json:"count"`
}

// ToolCount is one entry of the by-tool ranking.
type ToolCount struct {
	Tool  string `json:"tool"`
	Count int    `json:"count"`
}

// AgentCount is one entry of the by-agent ranking.
type AgentCount struct {
	Agent string `json:"agent"`
	Count int    `json:"count"`
}

// SkillCount is one entry of the by-skill ranking.
type SkillCount struct {
	Skill string `json:"skill"`
	Count int    `json:"count"`
}

// DateRange covers the oldest and newest access log timestamps.
type DateRange struct {
	From *string `json:"from"`
	To   *string `json:"to"`
}

// ToolStats summarizes the tool_invocations table.
type ToolStats struct {
	Total     int          `json:"total"`
	ByTool    []ToolCount  `json:"by_tool"`
	ByAgent   []AgentCount `json:"by_agent"`
	BySkill   []SkillCount `json:"by_skill"`
	QueueSize int          `json:"queue_size"`
}

// Stats summarizes the access log database for the stats endpoint.
type Stats struct {
	Available       bool         `json:"available"`
	Reason          string       `json:"reason,omitempty"`
	DBPath          string       `json:"db_path,omitempty"`
	TotalRequests   int          `json:"total_requests"`
	DateRange       *DateRange   `json:"date_range,omitempty"`
	TopModels       []ModelCount `json:"top_models,omitempty"`
	QueueSize       int          `json:"queue_size"`
	ToolInvocations *ToolStats   `json:"tool_invocations,omitempty"`
}

// Stats reports totals, date range, and top models, plus tool invocation
// breakdowns by tool, agent, and skill.
func (w *Writer) Stats(ctx context.Context) *Stats {
	ctx, span := tracing.StartSpan(ctx, "gantry.accesslog", "accesslog.stats")
	defer span.End()

	var total int
	if err := w.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM access_logs").Scan(&total); err != nil {
		return &Stats{Available: false, Reason: err.Error()}
	}

	var from, to sql.NullString
	if err := w.db.QueryRowContext(ctx, "SELECT MIN(timestamp), MAX(timestamp) FROM access_logs").Scan(&from, &to); err != nil {
		return &Stats{Available: false, Reason: err.Error()}
	}
	dateRange := &DateRange{}
	if from.Valid {
		dateRange.From = &from.String
	}
	if to.Valid {
		dateRange.To = &to.String
	}

	topModels := make([]ModelCount, 0, 5)
	rows, err := w.db.QueryContext(ctx, `
		SELECT model, COUNT(*) AS count
		FROM access_logs
		WHERE model IS NOT NULL
		GROUP BY model
		ORDER BY count DESC
		LIMIT 5
	`)
	if err != nil {
		return &Stats{Available: false, Reason: err.Error()}
	}
	for rows.Next() {
		var mc ModelCount
		if err := rows.Scan(&mc.Model, &mc.Count); err != nil {
			rows.Close()
			return &Stats{Available: false, Reason: err.Error()}
		}
		topModels = append(topModels, mc)
	}
	rows.Close()

	toolStats, err := w.toolStats(ctx)
	if err != nil {
		return &Stats{Available: false, Reason: err.Error()}
	}

	return &Stats{
		Available:       true,
		DBPath:          w.cfg.DBPath,
		TotalRequests:   total,
		DateRange:       dateRange,
		TopModels:       topModels,
		QueueSize:       len(w.requests),
		ToolInvocations: toolStats,
	}
}

func (w *Writer) toolStats(ctx context.Context) (*ToolStats, error) {
	ts := &ToolStats{
		ByTool:    make([]ToolCount, 0, 10),
		ByAgent:   make([]AgentCount, 0, 5),
		BySkill:   make([]SkillCount, 0, 5),
		QueueSize: len(w.tools),
	}

	if err := w.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tool_invocations").Scan(&ts.Total); err != nil {
		return nil, err
	}

	rows, err := w.db.QueryContext(ctx, `
		SELECT tool_name, COUNT(*) AS count
		FROM tool_invocations
		GROUP BY tool_name
		ORDER BY count DESC
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var tc ToolCount
		if err := rows.Scan(&tc.Tool, &tc.Count); err != nil {
			rows.Close()
			return nil, err
		}
		ts.ByTool = append(ts.ByTool, tc)
	}
	rows.Close()

	rows, err = w.db.QueryContext(ctx, `
		SELECT subagent_type, COUNT(*) AS count
		FROM tool_invocations
		WHERE subagent_type IS NOT NULL
		GROUP BY subagent_type
		ORDER BY count DESC
		LIMIT 5
	`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var ac AgentCount
		if err := rows.Scan(&ac.Agent, &ac.Count); err != nil {
			rows.Close()
			return nil, err
		}
		ts.ByAgent = append(ts.ByAgent, ac)
	}
	rows.Close()

	rows, err = w.db.QueryContext(ctx, `
		SELECT skill_name, COUNT(*) AS count
		FROM tool_invocations
		WHERE skill_name IS NOT NULL
		GROUP BY skill_name
		ORDER BY count DESC
		LIMIT 5
	`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var sc SkillCount
		if err := rows.Scan(&sc.Skill, &sc.Count); err != nil {
			rows.Close()
			return nil, err
		}
		ts.BySkill = append(ts.BySkill, sc)
	}
	rows.Close()

	return ts, nil
}
