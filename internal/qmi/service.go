package qmi

import "fmt"

// Service identifies a baseband service on the router.
type Service uint32

const (
	ServiceCTL  Service = 0x00
	ServiceWDS  Service = 0x01
	ServiceDMS  Service = 0x02
	ServiceNAS  Service = 0x03
	ServiceIMSS Service = 0x12
	ServiceMFS  Service = 0x15
	ServiceIMSA Service = 0x21
	ServicePDC  Service = 0x24
	// ServiceDCM is the data connection manager service imsd hosts itself.
	ServiceDCM Service = 0x0302
)

var serviceNames = map[Service]string{
	ServiceCTL:  "ctl",
	ServiceWDS:  "wds",
	ServiceDMS:  "dms",
	ServiceNAS:  "nas",
	ServiceIMSS: "imss",
	ServiceMFS:  "mfs",
	ServiceIMSA: "imsa",
	ServicePDC:  "pdc",
	ServiceDCM:  "dcm",
}

func (s Service) String() string {
	if name, ok := serviceNames[s]; ok {
		return name
	}
	return fmt.Sprintf("service(0x%x)", uint32(s))
}
