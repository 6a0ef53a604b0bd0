// Code generated by bpf2go; DO NOT EDIT.
//go:build mips || mips64 || ppc64 || s390x

package platform

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"

	"github.com/cilium/ebpf"
)

// loadNetaudit returns the embedded CollectionSpec for netaudit.
func loadNetaudit() (*ebpf.CollectionSpec, error) {
	reader := bytes.NewReader(_NetauditBytes)
	spec, err := ebpf.LoadCollectionSpecFromReader(reader)
	if err != nil {
		return nil, fmt.Errorf("can't load netaudit: %w", err)
	}

	return spec, err
}

// loadNetauditObjects loads netaudit and converts it into a struct.
//
// The following types are suitable as obj argument:
//
//	*netauditObjects
//	*netauditPrograms
//	*netauditMaps
//
// See ebpf.CollectionSpec.LoadAndAssign documentation for details.
func loadNetauditObjects(obj interface{}, opts *ebpf.CollectionOptions) error {
	spec, err := loadNetaudit()
	if err != nil {
		return err
	}

	return spec.LoadAndAssign(obj, opts)
}

// netauditSpecs contains maps and programs before they are loaded into the kernel.
//
// It can be passed ebpf.CollectionSpec.Assign.
type netauditSpecs struct {
	netauditProgramSpecs
	netauditMapSpecs
}

// netauditSpecs contains programs before they are loaded into the kernel.
//
// It can be passed ebpf.CollectionSpec.Assign.
type netauditProgramSpecs struct {
	KprobeCloseFd              *ebpf.ProgramSpec `ebpf:"kprobe_close_fd"`
	KprobeInetDgramConnect     *ebpf.ProgramSpec `ebpf:"kprobe_inet_dgram_connect"`
	KprobeInetStreamConnect    *ebpf.ProgramSpec `ebpf:"kprobe_inet_stream_connect"`
	KprobeSysBind              *ebpf.ProgramSpec `ebpf:"kprobe_sys_bind"`
	KretprobeInetDgramConnect  *ebpf.ProgramSpec `ebpf:"kretprobe_inet_dgram_connect"`
	KretprobeInetStreamConnect *ebpf.ProgramSpec `ebpf:"kretprobe_inet_stream_connect"`
	KretprobeSysAccept4        *ebpf.ProgramSpec `ebpf:"kretprobe_sys_accept4"`
	KretprobeSysBind           *ebpf.ProgramSpec `ebpf:"kretprobe_sys_bind"`
}

// netauditMapSpecs contains maps before they are loaded into the kernel.
//
// It can be passed ebpf.CollectionSpec.Assign.
type netauditMapSpecs struct {
	Events   *ebpf.MapSpec `ebpf:"events"`
	Inflight *ebpf.MapSpec `ebpf:"inflight"`
}

// netauditObjects contains all objects after they have been loaded into the kernel.
//
// It can be passed to loadNetauditObjects or ebpf.CollectionSpec.LoadAndAssign.
type netauditObjects struct {
	netauditPrograms
	netauditMaps
}

func (o *netauditObjects) Close() error {
	return _NetauditClose(
		&o.netauditPrograms,
		&o.netauditMaps,
	)
}

// netauditMaps contains all maps after they have been loaded into the kernel.
//
// It can be passed to loadNetauditObjects or ebpf.CollectionSpec.LoadAndAssign.
type netauditMaps struct {
	Events   *ebpf.Map `ebpf:"events"`
	Inflight *ebpf.Map `ebpf:"inflight"`
}

func (m *netauditMaps) Close() error {
	return _NetauditClose(
		m.Events,
		m.Inflight,
	)
}

// netauditPrograms contains all programs after they have been loaded into the kernel.
//
// It can be passed to loadNetauditObjects or ebpf.CollectionSpec.LoadAndAssign.
type netauditPrograms struct {
	KprobeCloseFd              *ebpf.Program `ebpf:"kprobe_close_fd"`
	KprobeInetDgramConnect     *ebpf.Program `ebpf:"kprobe_inet_dgram_connect"`
	KprobeInetStreamConnect    *ebpf.Program `ebpf:"kprobe_inet_stream_connect"`
	KprobeSysBind              *ebpf.Program `ebpf:"kprobe_sys_bind"`
	KretprobeInetDgramConnect  *ebpf.Program `ebpf:"kretprobe_inet_dgram_connect"`
	KretprobeInetStreamConnect *ebpf.Program `ebpf:"kretprobe_inet_stream_connect"`
	KretprobeSysAccept4        *ebpf.Program `ebpf:"kretprobe_sys_accept4"`
	KretprobeSysBind           *ebpf.Program `ebpf:"kretprobe_sys_bind"`
}

func (p *netauditPrograms) Close() error {
	return _NetauditClose(
		p.KprobeCloseFd,
		p.KprobeInetDgramConnect,
		p.KprobeInetStreamConnect,
		p.KprobeSysBind,
		p.KretprobeInetDgramConnect,
		p.KretprobeInetStreamConnect,
		p.KretprobeSysAccept4,
		p.KretprobeSysBind,
	)
}

func _NetauditClose(closers ...io.Closer) error {
	for _, closer := range closers {
		if err := closer.Close(); err != nil {
			return err
		}
	}
	return nil
}

// Do not access this directly.
//
//go:embed netaudit_bpfeb.o
var _NetauditBytes []byte
