package ipc

import "encoding/json"

// dispatch implements handleRequest's role from pkg/control/api.go: one
// switch over the method name, each case delegating to the backend and
// shaping its own Response.
func (s *Server) dispatch(c *client, req Request) Response {
	switch req.Method {
	case "daemon.ping":
		return okResponse(req.ID, map[string]string{"pong": "swarmfsd"})

	case "daemon.shutdown":
		if err := s.backend.Shutdown(); err != nil {
			return errResponse(req.ID, err)
		}
		return okResponse(req.ID, nil)

	case "node.status":
		status, err := s.backend.Status()
		if err != nil {
			return errResponse(req.ID, err)
		}
		return okResponse(req.ID, status)

	case "network.stats":
		return okResponse(req.ID, s.backend.NetworkStats())

	case "topic.list":
		topics, err := s.backend.TopicList()
		if err != nil {
			return errResponse(req.ID, err)
		}
		return okResponse(req.ID, map[string]interface{}{"topics": topics})

	case "topic.join":
		var params struct {
			Name string `json:"name"`
			Key  string `json:"key"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errResponsef(req.ID, "invalid params: %v", err)
		}
		if params.Name == "" {
			return errResponsef(req.ID, "name parameter is required")
		}
		if err := s.backend.TopicJoin(params.Name, params.Key); err != nil {
			return errResponse(req.ID, err)
		}
		return okResponse(req.ID, map[string]string{"name": params.Name})

	case "topic.leave":
		var params struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errResponsef(req.ID, "invalid params: %v", err)
		}
		if params.Name == "" {
			return errResponsef(req.ID, "name parameter is required")
		}
		if err := s.backend.TopicLeave(params.Name); err != nil {
			return errResponse(req.ID, err)
		}
		return okResponse(req.ID, map[string]string{"name": params.Name})

	case "logs.tail":
		var params struct {
			Lines int `json:"lines"`
		}
		_ = json.Unmarshal(req.Params, &params)
		if params.Lines <= 0 {
			params.Lines = 100
		}
		return okResponse(req.ID, map[string]interface{}{"lines": s.backend.LogTail(params.Lines)})

	case "events.subscribe":
		var params struct {
			Channel string `json:"channel"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errResponsef(req.ID, "invalid params: %v", err)
		}
		if params.Channel != "log" && params.Channel != "network" {
			return errResponsef(req.ID, "unknown channel: %s", params.Channel)
		}
		c.subscribe(params.Channel)
		return okResponse(req.ID, map[string]string{"channel": params.Channel})

	default:
		return errResponsef(req.ID, "unknown method: %s", req.Method)
	}
}
