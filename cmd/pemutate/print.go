// Copyright 2022 Pemutate. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pemutate/pe"
)

func newPrintCmd() *cobra.Command {
	var withResources bool

	cmd := &cobra.Command{
		Use:   "print <infile>",
		Short: "Print the structure of a PE image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := pe.New(args[0], nil)
			if err != nil {
				return err
			}
			defer file.Close()

			if err := file.Parse(); err != nil {
				return err
			}

			printHeader(file)
			printSections(file)
			printDataDirectories(file)

			if withResources {
				printResources(file)
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&withResources, "resources", false, "print the resource table")
	return cmd
}

func printHeader(file *pe.File) {
	h := &file.Header

	fmt.Printf("Machine: %s\n", pe.PrettyMachineType(h.Machine))
	fmt.Printf("NumberOfSections: %d\n", h.NumberOfSections)
	fmt.Printf("TimeDateStamp: 0x%08X\n", h.TimeDateStamp)
	fmt.Printf("Magic: 0x%03X\n", h.Magic)
	fmt.Printf("LinkerVersion: %d.%d\n", h.MajorLinkerVersion, h.MinorLinkerVersion)
	fmt.Printf("SizeOfCode: %d\n", h.SizeOfCode)
	fmt.Printf("SizeOfInitializedData: %d\n", h.SizeOfInitializedData)
	fmt.Printf("SizeOfUninitializedData: %d\n", h.SizeOfUninitializedData)
	fmt.Printf("AddressOfEntryPoint: 0x%08X\n", h.AddressOfEntryPoint)
	fmt.Printf("BaseOfCode: 0x%08X\n", h.BaseOfCode)
	fmt.Printf("ImageBase: 0x%X\n", h.ImageBase)
	fmt.Printf("SectionAlignment: %d\n", h.SectionAlignment)
	fmt.Printf("FileAlignment: %d\n", h.FileAlignment)
	fmt.Printf("SizeOfImage: %d\n", h.SizeOfImage)
	fmt.Printf("SizeOfHeaders: %d\n", h.SizeOfHeaders)
	fmt.Printf("Subsystem: %s\n", pe.PrettySubsystem(h.Subsystem))
	fmt.Printf("DllCharacteristics: 0x%04X\n", h.DllCharacteristics)
	fmt.Printf("NumberOfRvaAndSizes: %d\n", h.NumberOfRvaAndSizes)
}

func printSections(file *pe.File) {
	for i, section := range file.Sections {
		fmt.Printf("Section %d: %s\n", i, section.String())
		fmt.Printf("  VirtualSize: %d\n", section.VirtualSize)
		fmt.Printf("  VirtualAddress: 0x%08X\n", section.VirtualAddress)
		fmt.Printf("  SizeOfRawData: %d\n", section.SizeOfRawData)
		fmt.Printf("  PointerToRawData: 0x%08X\n", section.PointerToRawData)
		fmt.Printf("  Characteristics: 0x%08X\n", section.Characteristics)
	}

	if file.HasOverlay() {
		fmt.Printf("Overlay: %d bytes\n", file.OverlayLength())
	}
}

func printDataDirectories(file *pe.File) {
	for i := range file.DataDirectories {
		dir := &file.DataDirectories[i]

		fmt.Printf("Directory %-12s ", dir.ID.String())
		switch {
		case dir.SectionIndex != -1:
			fmt.Printf("Section: %s, ", file.Sections[dir.SectionIndex].String())
		case dir.Size != 0:
			fmt.Printf("Section: After section data, ")
		default:
			fmt.Printf("Section: Empty, ")
		}
		fmt.Printf("Offset: %d, Size: %d\n", dir.Offset, dir.Size)
	}
}

func printResources(file *pe.File) {
	for _, resource := range file.ResourceTable.Resources {
		typeName := resource.Type
		if typeName == "" {
			typeName = pe.ResourceType(resource.TypeID).String()
			if typeName == "" {
				typeName = fmt.Sprintf("%d", resource.TypeID)
			}
		}

		name := resource.Name
		if name == "" {
			name = fmt.Sprintf("%d", resource.NameID)
		}

		language := resource.Language
		if language == "" {
			language = fmt.Sprintf("%d", resource.LanguageID)
		}

		fmt.Printf("Resource type: %s, name: %s, language: %s, codepage: %d, %d bytes\n",
			typeName, name, language, resource.CodePage, len(resource.Data))
	}

	for _, versionInfo := range file.ResourceTable.VersionInfos {
		fv := versionInfo.FileVersion
		pv := versionInfo.ProductVersion
		fmt.Printf("File Version: %d.%d.%d.%d\n", fv.Major, fv.Minor, fv.Build, fv.Patch)
		fmt.Printf("Product Version: %d.%d.%d.%d\n", pv.Major, pv.Minor, pv.Build, pv.Patch)

		for _, dict := range versionInfo.FileInfo {
			fmt.Printf("StringTable %04x%04x:\n", dict.Language.Language, dict.Language.Codepage)
			for _, entry := range dict.Entries {
				fmt.Printf("  %s: %s\n", entry.Key, entry.Value)
			}
		}
	}

	for _, group := range file.ResourceTable.IconGroups {
		fmt.Printf("Icon group %d, %d icons\n", group.Resource.NameID, len(group.Icons))
		for _, icon := range group.Icons {
			kind := "DIB"
			if icon.Type == pe.IconTypePNG {
				kind = "PNG"
			}
			fmt.Printf("  Type: %s ID: %d Dimensions: %dx%d@%d Size: %d bytes\n",
				kind, icon.Resource.NameID, icon.Width, icon.Height, icon.BPP, len(icon.Data))
		}
	}
}
