package btsock

// handle owns one Endpoint. Once destroyed it never hands the endpoint out
// again. The socket's state lock serializes destroy against every other use.
type handle struct {
	ep        Endpoint
	destroyed bool
}

func newHandle(ep Endpoint) *handle {
	return &handle{ep: ep}
}

func (h *handle) endpoint() (Endpoint, error) {
	if h.destroyed {
		return nil, errHandleDestroyed
	}
	return h.ep, nil
}

func (h *handle) destroy() error {
	if h.destroyed {
		return errHandleDestroyed
	}
	ep := h.ep
	h.ep = nil
	h.destroyed = true
	return ep.Destroy()
}
