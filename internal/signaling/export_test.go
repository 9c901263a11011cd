package signaling

// DropConnection closes the socket under a room without telling the relay,
// the way a network failure would.
func DropConnection(t *WSTransport, roomID string) {
	t.mu.Lock()
	room := t.rooms[roomID]
	t.mu.Unlock()
	if room != nil {
		room.conn.NetConn().Close()
	}
}
