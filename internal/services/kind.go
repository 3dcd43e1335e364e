package services

import (
	"fmt"

	"imsd/internal/qmi"
)

// ServiceKind is one of the auxiliary baseband services queried at startup.
type ServiceKind uint8

const (
	KindNAS ServiceKind = iota
	KindDMS
	KindPDC
	KindMFS
	KindIMSS
	KindIMSA
)

// AllKinds lists every ServiceKind.
var AllKinds = []ServiceKind{KindNAS, KindDMS, KindPDC, KindMFS, KindIMSS, KindIMSA}

// Status query message ids.
const (
	msgNASGetHomeNetwork          uint16 = 0x0025
	msgDMSGetCapabilities         uint16 = 0x0020
	msgPDCGetSelectedConfig       uint16 = 0x0022
	msgMFSRetrieveEFSItem         uint16 = 0x0021
	msgIMSSGetServiceEnableConfig uint16 = 0x0037
	msgIMSAGetRegistrationStatus  uint16 = 0x0020
)

const (
	pdcTagConfigType      uint8  = 0x01
	pdcConfigTypeSoftware uint32 = 1

	mfsTagEFSPath       uint8 = 0x01
	mfsIMSUserAgentPath       = "/nv/item_files/ims/qp_ims_user_agent"
)

func (k ServiceKind) String() string {
	switch k {
	case KindNAS:
		return "NAS"
	case KindDMS:
		return "DMS"
	case KindPDC:
		return "PDC"
	case KindMFS:
		return "MFS"
	case KindIMSS:
		return "IMSS"
	case KindIMSA:
		return "IMSA"
	default:
		return fmt.Sprintf("ServiceKind(%d)", uint8(k))
	}
}

// Service returns the wire service id of k.
func (k ServiceKind) Service() qmi.Service {
	switch k {
	case KindNAS:
		return qmi.ServiceNAS
	case KindDMS:
		return qmi.ServiceDMS
	case KindPDC:
		return qmi.ServicePDC
	case KindMFS:
		return qmi.ServiceMFS
	case KindIMSS:
		return qmi.ServiceIMSS
	case KindIMSA:
		return qmi.ServiceIMSA
	default:
		panic(fmt.Sprintf("services: unknown kind %d", uint8(k)))
	}
}

// query returns the status request of k.
func (k ServiceKind) query() (string, uint16, func(*qmi.Builder)) {
	switch k {
	case KindNAS:
		return "GetHomeNetwork", msgNASGetHomeNetwork, nil
	case KindDMS:
		return "GetCapabilities", msgDMSGetCapabilities, nil
	case KindPDC:
		return "GetSelectedConfig", msgPDCGetSelectedConfig, func(b *qmi.Builder) {
			b.U32(pdcTagConfigType, pdcConfigTypeSoftware)
		}
	case KindMFS:
		return "RetrieveEFSItem", msgMFSRetrieveEFSItem, func(b *qmi.Builder) {
			b.String(mfsTagEFSPath, mfsIMSUserAgentPath)
		}
	case KindIMSS:
		return "GetServiceEnableConfig", msgIMSSGetServiceEnableConfig, nil
	case KindIMSA:
		return "GetRegistrationStatus", msgIMSAGetRegistrationStatus, nil
	default:
		panic(fmt.Sprintf("services: unknown kind %d", uint8(k)))
	}
}

// ParseKind maps a service name to its kind.
func ParseKind(name string) (ServiceKind, error) {
	for _, k := range AllKinds {
		if k.String() == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown service %q", name)
}
