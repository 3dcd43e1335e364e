//go:build linux

package baseband

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"
)

// rmnet link attributes (linux/if_link.h).
const (
	iflaRmnetMuxID = 1
	iflaRmnetFlags = 2

	rmnetFlagIngressDeaggregation = 1 << 0
	rmnetFlagIngressMapV4Checksum = 1 << 2
)

// NetlinkLinks creates rmnet mux links on top of the modem's data device.
type NetlinkLinks struct {
	parent string
	prefix string
}

// NewNetlinkLinks creates a link manager. Links are named prefix + mux id.
func NewNetlinkLinks(parent, prefix string) *NetlinkLinks {
	return &NetlinkLinks{parent: parent, prefix: prefix}
}

// AddLink creates the rmnet link for muxID. An existing link with the same
// name is reused.
func (l *NetlinkLinks) AddLink(ctx context.Context, muxID uint8) (string, error) {
	name := fmt.Sprintf("%s%d", l.prefix, muxID)
	if _, err := netlink.LinkByName(name); err == nil {
		log.WithField("link", name).Info("Reusing existing rmnet link")
		return name, nil
	}

	parent, err := netlink.LinkByName(l.parent)
	if err != nil {
		return "", fmt.Errorf("parent link %s: %w", l.parent, err)
	}

	req := nl.NewNetlinkRequest(unix.RTM_NEWLINK, unix.NLM_F_CREATE|unix.NLM_F_EXCL|unix.NLM_F_ACK)
	req.AddData(nl.NewIfInfomsg(unix.AF_UNSPEC))
	req.AddData(nl.NewRtAttr(unix.IFLA_IFNAME, nl.ZeroTerminated(name)))
	req.AddData(nl.NewRtAttr(unix.IFLA_LINK, nl.Uint32Attr(uint32(parent.Attrs().Index))))

	linkInfo := nl.NewRtAttr(unix.IFLA_LINKINFO, nil)
	linkInfo.AddRtAttr(nl.IFLA_INFO_KIND, nl.NonZeroTerminated("rmnet"))
	data := linkInfo.AddRtAttr(nl.IFLA_INFO_DATA, nil)
	data.AddRtAttr(iflaRmnetMuxID, nl.Uint16Attr(uint16(muxID)))
	flags := make([]byte, 8)
	native := nl.NativeEndian()
	native.PutUint32(flags[0:4], rmnetFlagIngressDeaggregation|rmnetFlagIngressMapV4Checksum)
	native.PutUint32(flags[4:8], rmnetFlagIngressDeaggregation|rmnetFlagIngressMapV4Checksum)
	data.AddRtAttr(iflaRmnetFlags, flags)
	req.AddData(linkInfo)

	if _, err := req.Execute(unix.NETLINK_ROUTE, 0); err != nil {
		return "", fmt.Errorf("create rmnet link %s: %w", name, err)
	}

	log.WithFields(log.Fields{
		"link":   name,
		"parent": l.parent,
		"mux_id": muxID,
	}).Info("Created rmnet link")
	return name, nil
}

// SetUp marks the link administratively up.
func (l *NetlinkLinks) SetUp(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("link %s: %w", name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("set %s up: %w", name, err)
	}
	return nil
}
