package interaction

// correlationIndex maps tool ids to request ids and back. Put and
// removeRequest are the only places either map changes, so a tool id never
// points at more than one live request.
type correlationIndex struct {
	toolToRequest map[string]string
	requestToTool map[string]string
}

func newCorrelationIndex() *correlationIndex {
	return &correlationIndex{
		toolToRequest: make(map[string]string),
		requestToTool: make(map[string]string),
	}
}

func (c *correlationIndex) put(toolID, requestID string) {
	if toolID == "" || requestID == "" {
		return
	}
	if prev, ok := c.toolToRequest[toolID]; ok {
		delete(c.requestToTool, prev)
	}
	if prev, ok := c.requestToTool[requestID]; ok {
		delete(c.toolToRequest, prev)
	}
	c.toolToRequest[toolID] = requestID
	c.requestToTool[requestID] = toolID
}

func (c *correlationIndex) requestFor(toolID string) (string, bool) {
	id, ok := c.toolToRequest[toolID]
	return id, ok
}

func (c *correlationIndex) removeRequest(requestID string) {
	toolID, ok := c.requestToTool[requestID]
	if !ok {
		return
	}
	delete(c.requestToTool, requestID)
	delete(c.toolToRequest, toolID)
}

func (c *correlationIndex) clear() {
	c.toolToRequest = make(map[string]string)
	c.requestToTool = make(map[string]string)
}

func (c *correlationIndex) len() int {
	return len(c.toolToRequest)
}
