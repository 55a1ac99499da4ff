// Package connection implements the feed Connection Manager.
//
// The Connection Manager:
//   - Maintains one WebSocket connection to the realtime trade feed
//   - Authenticates subscribe frames with an approval key issued per connection
//   - Keeps the desired subscription set across drops and reconnects
//   - Answers PINGPONG heartbeats and tracks subscribe acknowledgements
//   - Forwards data frames to the frame router without blocking
package connection
