package channeldb

import "fmt"

var (
	ErrChannelNoExist   = fmt.Errorf("this channel does not exist")
	ErrNoActiveChannels = fmt.Errorf("no active channels exist")
	ErrMonitorNoExist   = fmt.Errorf("no monitor exists for this channel")
	ErrStaleMonitor     = fmt.Errorf("persisted monitor is older than the channel snapshot it is paired with")
)
