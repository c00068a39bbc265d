// Package manifest implements C5: parsing the XML delivery manifests
// that describe which SIN images belong to a firmware package and
// which boot configuration matches a given device.
//
// Grounded on original_source/sxflasher.py's get_partition_list,
// get_boot_delivery and check_in_updatexml, translated from
// xml.etree.ElementTree onto encoding/xml.
package manifest

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type partitionDeliveryXML struct {
	XMLName xml.Name `xml:"PARTITION_DELIVERY"`
	Format  string   `xml:"FORMAT,attr"`
	Images  struct {
		Files []struct {
			Path string `xml:"PATH,attr"`
		} `xml:"FILE"`
	} `xml:"PARTITION_IMAGES"`
}

// PartitionList returns the ordered list of SIN file paths named by
// partition/partition_delivery.xml under dir. A missing manifest
// degrades to a scan of partition/ for *.sin files; a missing
// partition/ directory is an error since the caller only calls this
// after confirming it exists.
func PartitionList(partitionDir string) ([]string, error) {
	deliv := filepath.Join(partitionDir, "partition_delivery.xml")
	if _, err := os.Stat(deliv); err != nil {
		return scanSinFiles(partitionDir)
	}

	raw, err := os.ReadFile(deliv)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", deliv, err)
	}

	var doc partitionDeliveryXML
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, &ParseError{Path: deliv, Err: err}
	}
	if doc.XMLName.Local != "PARTITION_DELIVERY" {
		return nil, &ParseError{Path: deliv, Err: fmt.Errorf("unexpected root %q, expected PARTITION_DELIVERY", doc.XMLName.Local)}
	}
	if doc.Format != "1" {
		return nil, &ParseError{Path: deliv, Err: fmt.Errorf("unsupported FORMAT %q, expected \"1\"", doc.Format)}
	}

	var images []string
	for _, f := range doc.Images.Files {
		if len(f.Path) <= 1 {
			continue
		}
		full := filepath.Join(partitionDir, f.Path)
		if _, err := os.Stat(full); err != nil {
			return nil, fmt.Errorf("manifest: referenced file %q not found", full)
		}
		images = append(images, full)
	}
	return images, nil
}

func scanSinFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("manifest: scan %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(strings.ToLower(e.Name()), ".sin") {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}
