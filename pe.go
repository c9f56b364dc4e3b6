// Copyright 2022 Pemutate. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package pe implements reading, mutating and rewriting of Portable
// Executable (PE/PE32+) images. It parses untrusted byte buffers into a
// structured model of the file (DOS stub, COFF/optional header, data
// directories, sections, overlay and the nested resource tree including
// version-info and icon-group resources), lets callers mutate that model,
// and serializes it back into a layout the Windows loader accepts.
package pe

// Image executable types.
const (
	// The DOS MZ executable format is the executable file format used
	// for .EXE files in DOS. Every PE image starts with one.
	ImageDOSSignature = 0x5A4D // MZ

	// The Portable Executable (PE) format is a file format for executables,
	// object code, DLLs and others used in 32-bit and 64-bit versions of
	// Windows operating systems.
	ImageNTSignature = 0x00004550 // PE00
)

// Optional Header magic.
const (
	ImageNtOptionalHeader32Magic = 0x10b
	ImageNtOptionalHeader64Magic = 0x20b
)

// Offset of the e_lfanew field inside the DOS header. It holds the file
// offset of the PE signature.
const ImageDOSHeaderNewEXEOffset = 0x3C

// On-disk structure sizes.
const (
	// Size of the COFF file header.
	COFFHeaderSize = 20

	// Size of the fixed part of the optional header, without data
	// directories.
	OptionalHeader32Size = 96
	OptionalHeader64Size = 112

	// Size of a single data directory entry.
	DataDirectorySize = 8

	// Size of a section header in the section table.
	SectionHeaderSize = 40
)

// Image file machine types.
const (
	ImageFileMachineUnknown = uint16(0x0)    // Applicable to any machine type
	ImageFileMachineAM33    = uint16(0x1d3)  // Matsushita AM33
	ImageFileMachineAMD64   = uint16(0x8664) // x64
	ImageFileMachineARM     = uint16(0x1c0)  // ARM little endian
	ImageFileMachineARM64   = uint16(0xaa64) // ARM64 little endian
	ImageFileMachineARMNT   = uint16(0x1c4)  // ARM Thumb-2 little endian
	ImageFileMachineAlpha   = uint16(0x184)  // Alpha AXP
	ImageFileMachineAlpha64 = uint16(0x284)  // Alpha AXP 64-bit
	ImageFileMachineEBC     = uint16(0xebc)  // EFI byte code
	ImageFileMachineI386    = uint16(0x14c)  // Intel 386 or later processors
	ImageFileMachineIA64    = uint16(0x200)  // Intel Itanium processor family
	ImageFileMachineM32R    = uint16(0x9041) // Mitsubishi M32R little endian
	ImageFileMachinePowerPC = uint16(0x1f0)  // Power PC little endian
	ImageFileMachineR4000   = uint16(0x166)  // MIPS little endian
	ImageFileMachineSH3     = uint16(0x1a2)  // Hitachi SH3
	ImageFileMachineSH4     = uint16(0x1a6)  // Hitachi SH4
	ImageFileMachineTHUMB   = uint16(0x1c2)  // Thumb
)

// The Characteristics field of the COFF header contains flags that indicate
// attributes of the image file.
const (
	// The file contains no base relocations and must be loaded at its
	// preferred base address.
	ImageFileRelocsStripped = 0x0001

	// The file is an image file (EXE or DLL).
	ImageFileExecutableImage = 0x0002

	// COFF line numbers have been removed.
	ImageFileLineNumsStripped = 0x0004

	// COFF symbol table entries for local symbols have been removed.
	ImageFileLocalSymsStripped = 0x0008

	// Application can handle addresses beyond the 2GB range.
	ImageFileLargeAddressAware = 0x0020

	// Machine is based on 32-bit architecture.
	ImageFile32BitMachine = 0x0100

	// Debug information has been removed from the image file.
	ImageFileDebugStripped = 0x0200

	// The image file is a system file (for example, a device driver).
	ImageFileSystem = 0x1000

	// The image file is a DLL rather than an EXE. It cannot be directly run.
	ImageFileDLL = 0x2000
)

// Subsystem values of an optional header.
const (
	ImageSubsystemUnknown                = 0  // An unknown subsystem.
	ImageSubsystemNative                 = 1  // Device drivers and native Windows processes.
	ImageSubsystemWindowsGUI             = 2  // The Windows graphical user interface (GUI) subsystem.
	ImageSubsystemWindowsCUI             = 3  // The Windows character subsystem.
	ImageSubsystemOS2CUI                 = 5  // The OS/2 character subsystem.
	ImageSubsystemPosixCUI               = 7  // The Posix character subsystem.
	ImageSubsystemNativeWindows          = 8  // Native Win9x driver.
	ImageSubsystemWindowsCEGUI           = 9  // Windows CE.
	ImageSubsystemEFIApplication         = 10 // An Extensible Firmware Interface (EFI) application.
	ImageSubsystemEFIBootServiceDriver   = 11 // An EFI driver with boot services.
	ImageSubsystemEFIRuntimeDriver       = 12 // An EFI driver with run-time services.
	ImageSubsystemEFIRom                 = 13 // An EFI ROM image.
	ImageSubsystemXBOX                   = 14 // XBOX.
	ImageSubsystemWindowsBootApplication = 16 // Windows boot application.
)

// DllCharacteristics values of an optional header.
const (
	ImageDllCharacteristicsHighEntropyVA        = 0x0020 // Image can handle a high entropy 64-bit virtual address space.
	ImageDllCharacteristicsDynamicBase          = 0x0040 // DLL can be relocated at load time.
	ImageDllCharacteristicsForceIntegrity       = 0x0080 // Code Integrity checks are enforced.
	ImageDllCharacteristicsNXCompat             = 0x0100 // Image is NX compatible.
	ImageDllCharacteristicsNoIsolation          = 0x0200 // Isolation aware, but do not isolate the image.
	ImageDllCharacteristicsNoSEH                = 0x0400 // Does not use structured exception handling.
	ImageDllCharacteristicsNoBind               = 0x0800 // Do not bind the image.
	ImageDllCharacteristicsAppContainer         = 0x1000 // Image must execute in an AppContainer.
	ImageDllCharacteristicsWdmDriver            = 0x2000 // A WDM driver.
	ImageDllCharacteristicsGuardCF              = 0x4000 // Image supports Control Flow Guard.
	ImageDllCharacteristicsTerminalServiceAware = 0x8000 // Terminal Server aware.
)

// ImageDirectoryEntry identifies an entry inside the data directories.
type ImageDirectoryEntry int

// DataDirectory entries of an optional header.
const (
	ImageDirectoryEntryExport       ImageDirectoryEntry = iota // Export Table
	ImageDirectoryEntryImport                                  // Import Table
	ImageDirectoryEntryResource                                // Resource Table
	ImageDirectoryEntryException                               // Exception Table
	ImageDirectoryEntryCertificate                             // Certificate Directory
	ImageDirectoryEntryBaseReloc                               // Base Relocation Table
	ImageDirectoryEntryDebug                                   // Debug
	ImageDirectoryEntryArchitecture                            // Architecture Specific Data
	ImageDirectoryEntryGlobalPtr                               // The RVA of the global pointer register value
	ImageDirectoryEntryTLS                                     // The thread local storage (TLS) table
	ImageDirectoryEntryLoadConfig                              // The load configuration table
	ImageDirectoryEntryBoundImport                             // The bound import table
	ImageDirectoryEntryIAT                                     // Import Address Table
	ImageDirectoryEntryDelayImport                             // Delay Import Descriptor
	ImageDirectoryEntryCLR                                     // CLR Runtime Header
	ImageDirectoryEntryReserved                                // Must be zero
	ImageNumberOfDirectoryEntries                              // Tables count.
)

// Section characteristics flags.
const (
	// ImageScnCntCode indicates the section contains executable code.
	ImageScnCntCode = 0x00000020

	// ImageScnCntInitializedData indicates the section contains initialized
	// data.
	ImageScnCntInitializedData = 0x00000040

	// ImageScnCntUninitializedData indicates the section contains
	// uninitialized data.
	ImageScnCntUninitializedData = 0x00000080

	// ImageScnLnkInfo indicates the section contains comments or other
	// information. Valid for object files only.
	ImageScnLnkInfo = 0x00000200

	// ImageScnLnkRemove indicates the section will not become part of the
	// image. Valid for object files only.
	ImageScnLnkRemove = 0x00000800

	// ImageScnGpRel indicates the section contains data referenced through
	// the global pointer (GP).
	ImageScnGpRel = 0x00008000

	// ImageScnLnkMRelocOvfl indicates the section contains extended
	// relocations.
	ImageScnLnkMRelocOvfl = 0x01000000

	// ImageScnMemDiscardable indicates the section can be discarded as
	// needed.
	ImageScnMemDiscardable = 0x02000000

	// ImageScnMemNotCached indicates the section cannot be cached.
	ImageScnMemNotCached = 0x04000000

	// ImageScnMemNotPaged indicates the section is not pageable.
	ImageScnMemNotPaged = 0x08000000

	// ImageScnMemShared indicates the section can be shared in memory.
	ImageScnMemShared = 0x10000000

	// ImageScnMemExecute indicates the section can be executed as code.
	ImageScnMemExecute = 0x20000000

	// ImageScnMemRead indicates the section can be read.
	ImageScnMemRead = 0x40000000

	// ImageScnMemWrite indicates the section can be written to.
	ImageScnMemWrite = 0x80000000
)

// ResourceType represents a resource type.
type ResourceType uint32

// Predefined Resource Types.
const (
	RTCursor       ResourceType = iota + 1      // Hardware-dependent cursor resource.
	RTBitmap                    = 2             // Bitmap resource.
	RTIcon                      = 3             // Hardware-dependent icon resource.
	RTMenu                      = 4             // Menu resource.
	RTDialog                    = 5             // Dialog box.
	RTString                    = 6             // String-table entry.
	RTFontDir                   = 7             // Font directory resource.
	RTFont                      = 8             // Font resource.
	RTAccelerator               = 9             // Accelerator table.
	RTRCdata                    = 10            // Application-defined resource (raw data).
	RTMessageTable              = 11            // Message-table entry.
	RTGroupCursor               = RTCursor + 11 // Hardware-independent cursor resource.
	RTGroupIcon                 = RTIcon + 11   // Hardware-independent icon resource.
	RTVersion                   = 16            // Version resource.
	RTDlgInclude                = 17            // Dialog include entry.
	RTPlugPlay                  = 19            // Plug and Play resource.
	RTVxD                       = 20            // VXD.
	RTAniCursor                 = 21            // Animated cursor.
	RTAniIcon                   = 22            // Animated icon.
	RTHtml                      = 23            // HTML resource.
	RTManifest                  = 24            // Side-by-Side Assembly Manifest.
)

// PrettyMachineType returns the string representation of the `Machine`
// field of the COFF header.
func PrettyMachineType(machine uint16) string {
	machineType := map[uint16]string{
		ImageFileMachineUnknown: "Unknown",
		ImageFileMachineAM33:    "Matsushita AM33",
		ImageFileMachineAMD64:   "x64",
		ImageFileMachineARM:     "ARM little endian",
		ImageFileMachineARM64:   "ARM64 little endian",
		ImageFileMachineARMNT:   "ARM Thumb-2 little endian",
		ImageFileMachineAlpha:   "Alpha AXP",
		ImageFileMachineAlpha64: "Alpha AXP 64-bit",
		ImageFileMachineEBC:     "EFI byte code",
		ImageFileMachineI386:    "Intel 386 or later / compatible processors",
		ImageFileMachineIA64:    "Intel Itanium processor family",
		ImageFileMachineM32R:    "Mitsubishi M32R little endian",
		ImageFileMachinePowerPC: "Power PC little endian",
		ImageFileMachineR4000:   "MIPS little endian",
		ImageFileMachineSH3:     "Hitachi SH3",
		ImageFileMachineSH4:     "Hitachi SH4",
		ImageFileMachineTHUMB:   "Thumb",
	}

	if val, ok := machineType[machine]; ok {
		return val
	}
	return "?"
}

// PrettySubsystem returns the string representation of the `Subsystem`
// field of the optional header.
func PrettySubsystem(subsystem uint16) string {
	subsystemMap := map[uint16]string{
		ImageSubsystemUnknown:                "Unknown",
		ImageSubsystemNative:                 "Native",
		ImageSubsystemWindowsGUI:             "Windows GUI",
		ImageSubsystemWindowsCUI:             "Windows CUI",
		ImageSubsystemOS2CUI:                 "OS/2 character",
		ImageSubsystemPosixCUI:               "POSIX character",
		ImageSubsystemNativeWindows:          "Native Win9x driver",
		ImageSubsystemWindowsCEGUI:           "Windows CE GUI",
		ImageSubsystemEFIApplication:         "EFI Application",
		ImageSubsystemEFIBootServiceDriver:   "EFI Boot Service Driver",
		ImageSubsystemEFIRuntimeDriver:       "EFI Runtime Driver",
		ImageSubsystemEFIRom:                 "EFI ROM image",
		ImageSubsystemXBOX:                   "XBOX",
		ImageSubsystemWindowsBootApplication: "Windows boot application",
	}

	if val, ok := subsystemMap[subsystem]; ok {
		return val
	}
	return "?"
}

// String stringifies the data directory entry.
func (entry ImageDirectoryEntry) String() string {
	dataDirMap := map[ImageDirectoryEntry]string{
		ImageDirectoryEntryExport:       "Export",
		ImageDirectoryEntryImport:       "Import",
		ImageDirectoryEntryResource:     "Resource",
		ImageDirectoryEntryException:    "Exception",
		ImageDirectoryEntryCertificate:  "Security",
		ImageDirectoryEntryBaseReloc:    "Relocation",
		ImageDirectoryEntryDebug:        "Debug",
		ImageDirectoryEntryArchitecture: "Architecture",
		ImageDirectoryEntryGlobalPtr:    "GlobalPtr",
		ImageDirectoryEntryTLS:          "TLS",
		ImageDirectoryEntryLoadConfig:   "LoadConfig",
		ImageDirectoryEntryBoundImport:  "BoundImport",
		ImageDirectoryEntryIAT:          "IAT",
		ImageDirectoryEntryDelayImport:  "DelayImport",
		ImageDirectoryEntryCLR:          "CLR",
		ImageDirectoryEntryReserved:     "Reserved",
	}

	return dataDirMap[entry]
}

// String stringifies the resource type.
func (rt ResourceType) String() string {
	rsrcTypeMap := map[ResourceType]string{
		RTCursor:       "Cursor",
		RTBitmap:       "Bitmap",
		RTIcon:         "Icon",
		RTMenu:         "Menu",
		RTDialog:       "Dialog box",
		RTString:       "String",
		RTFontDir:      "Font directory",
		RTFont:         "Font",
		RTAccelerator:  "Accelerator",
		RTRCdata:       "RC Data",
		RTMessageTable: "Message Table",
		RTGroupCursor:  "Group Cursor",
		RTGroupIcon:    "Group Icon",
		RTVersion:      "Version",
		RTDlgInclude:   "Dialog Include",
		RTPlugPlay:     "Plug & Play",
		RTVxD:          "VxD",
		RTAniCursor:    "Animated Cursor",
		RTAniIcon:      "Animated Icon",
		RTHtml:         "HTML",
		RTManifest:     "Manifest",
	}

	return rsrcTypeMap[rt]
}
