package ipc

import (
	"context"
	"fmt"

	"github.com/overmind-sh/overmind/internal/store"
	v1 "github.com/overmind-sh/overmind/pkg/api/v1"
	"github.com/overmind-sh/overmind/pkg/ipc"
)

// handleTasksRequest delegates an action to the task store. Actions are
// restricted per caller role; a denied action is rejected here even
// though the caller's tool surface should already have omitted it.
func (d Deps) handleTasksRequest(ctx context.Context, req *ipc.Request) *ipc.Response {
	action := req.Action
	if action == "" {
		action = getString(req.Params, "action")
	}
	if action == "" {
		return ipc.Errf("tasks_request: action required")
	}
	if !d.Roles.ActionAllowed(req.Role, action) {
		return ipc.Errf(fmt.Sprintf("action %q not allowed for role %q", action, req.Role))
	}

	p := req.Params
	id := getString(p, "id")
	if id == "" {
		id = taskID(req)
	}
	actor := req.Actor
	if actor == "" {
		actor = req.AgentID
	}

	switch action {
	case "show":
		iss, err := d.Store.Show(ctx, id)
		if err != nil {
			return ipc.Errf(err.Error())
		}
		return ipc.OkData(iss)

	case "list":
		issues, err := d.Store.List(ctx, store.ListOptions{
			All:    getBool(p, "all"),
			Status: getString(p, "status"),
			Type:   getString(p, "type"),
			Limit:  getInt(p, "limit"),
		})
		if err != nil {
			return ipc.Errf(err.Error())
		}
		return ipc.OkData(map[string]interface{}{"issues": issues})

	case "search":
		issues, err := d.Store.Search(ctx, getString(p, "query"), store.SearchOptions{
			Status:          getString(p, "status"),
			Limit:           getInt(p, "limit"),
			IncludeComments: getBool(p, "include_comments"),
		})
		if err != nil {
			return ipc.Errf(err.Error())
		}
		return ipc.OkData(map[string]interface{}{"issues": issues})

	case "ready":
		issues, err := d.Store.Ready(ctx)
		if err != nil {
			return ipc.Errf(err.Error())
		}
		return ipc.OkData(map[string]interface{}{"issues": issues})

	case "query":
		issues, err := d.Store.Query(ctx, getString(p, "query"), store.ListOptions{
			All:   getBool(p, "all"),
			Limit: getInt(p, "limit"),
		})
		if err != nil {
			return ipc.Errf(err.Error())
		}
		return ipc.OkData(map[string]interface{}{"issues": issues})

	case "comments":
		iss, err := d.Store.Show(ctx, id)
		if err != nil {
			return ipc.Errf(err.Error())
		}
		return ipc.OkData(map[string]interface{}{"comments": iss.Comments})

	case "comment_add":
		text := getString(p, "text")
		if text == "" {
			text = getString(p, "comment")
		}
		// Completion claims are checked against the commenting agent's
		// own baseline. Only worker-class agents are armed, so other
		// roles pass through here.
		if d.Verifier != nil {
			if v := d.Verifier.For(req.AgentID); v != nil {
				if err := v.CheckComment(ctx, text); err != nil {
					return ipc.Errf(err.Error())
				}
			}
		}
		c, err := d.Store.Comment(ctx, id, text, actor)
		if err != nil {
			return ipc.Errf(err.Error())
		}
		return ipc.OkData(c)

	case "dep_tree":
		tree, err := d.Store.DepTree(ctx, id, store.TreeOptions{
			Direction: store.TreeDirection(getString(p, "direction")),
			MaxDepth:  getInt(p, "max_depth"),
			Status:    getString(p, "status"),
		})
		if err != nil {
			return ipc.Errf(err.Error())
		}
		return ipc.OkData(tree)

	case "types":
		return ipc.OkData(typesData())

	case "create":
		iss, err := d.Store.Create(ctx,
			getString(p, "title"),
			getString(p, "description"),
			getInt(p, "priority"),
			store.CreateOptions{
				Name:       getString(p, "name"),
				Type:       v1.IssueType(getString(p, "type")),
				DependsOn:  getStrings(p, "depends_on"),
				Labels:     getStrings(p, "labels"),
				Assignee:   getString(p, "assignee"),
				Acceptance: getString(p, "acceptance"),
				Actor:      actor,
			})
		if err != nil {
			return ipc.Errf(err.Error())
		}
		return ipc.OkData(iss)

	case "update":
		iss, err := d.Store.Update(ctx, id, patchFromParams(p, actor))
		if err != nil {
			return ipc.Errf(err.Error())
		}
		return ipc.OkData(iss)

	case "close":
		if err := d.Store.CloseIssue(ctx, id, getString(p, "reason"), actor); err != nil {
			return ipc.Errf(err.Error())
		}
		return ipc.Okf(fmt.Sprintf("closed %s", id))

	case "delete":
		if err := d.Store.Delete(ctx, id, actor); err != nil {
			return ipc.Errf(err.Error())
		}
		return ipc.Okf(fmt.Sprintf("deleted %s", id))

	case "dep_add":
		if err := d.Store.DepAdd(ctx, id, getString(p, "depends_on"), actor); err != nil {
			return ipc.Errf(err.Error())
		}
		return ipc.Okf(fmt.Sprintf("%s now depends on %s", id, getString(p, "depends_on")))

	default:
		return ipc.Errf(fmt.Sprintf("unknown tasks action: %s", action))
	}
}

// patchFromParams builds a partial update; only keys present in the
// params map touch the issue. newStatus is the wire alias for status.
func patchFromParams(p map[string]interface{}, actor string) store.UpdatePatch {
	patch := store.UpdatePatch{Actor: actor}
	if v, ok := p["title"].(string); ok {
		patch.Title = &v
	}
	if v, ok := p["description"].(string); ok {
		patch.Description = &v
	}
	if v, ok := p["acceptance"].(string); ok {
		patch.Acceptance = &v
	}
	if v, ok := p["status"].(string); ok {
		patch.Status = &v
	} else if v, ok := p["newStatus"].(string); ok {
		patch.Status = &v
	}
	if _, ok := p["priority"]; ok {
		v := getInt(p, "priority")
		patch.Priority = &v
	}
	if _, ok := p["labels"]; ok {
		v := getStrings(p, "labels")
		patch.Labels = &v
	}
	if v, ok := p["scope"].(string); ok {
		patch.Scope = &v
	}
	if v, ok := p["assignee"].(string); ok {
		patch.Assignee = &v
	}
	patch.ClearAssignee = getBool(p, "clear_assignee")
	patch.Claim = getBool(p, "claim")
	return patch
}

func getString(p map[string]interface{}, key string) string {
	if p == nil {
		return ""
	}
	s, _ := p[key].(string)
	return s
}

func getBool(p map[string]interface{}, key string) bool {
	if p == nil {
		return false
	}
	b, _ := p[key].(bool)
	return b
}

// getInt tolerates the float64 that encoding/json produces for numbers.
func getInt(p map[string]interface{}, key string) int {
	if p == nil {
		return 0
	}
	switch v := p[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func getStrings(p map[string]interface{}, key string) []string {
	if p == nil {
		return nil
	}
	raw, ok := p[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
