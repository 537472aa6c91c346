// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"log"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/open-source-firmware/go-atabus/pkg/wire"
)

type metricCollector struct {
	m []prometheus.Metric
}

func (mc *metricCollector) Collect(c chan<- prometheus.Metric) {
	for _, m := range mc.m {
		c <- m
	}
}

func (mc *metricCollector) Describe(c chan<- *prometheus.Desc) {
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

func outputMetrics(id *wire.Identify, device string) error {
	var (
		mDeviceInfo = prometheus.NewDesc(
			"atabus_device_info",
			"Info metric describing the identified device",
			[]string{"device", "model", "serial", "firmware", "protocol"}, nil,
		)
		mCapacity = prometheus.NewDesc(
			"atabus_device_capacity_bytes",
			"Addressable capacity of the device",
			[]string{"device"}, nil,
		)
		mSectorSize = prometheus.NewDesc(
			"atabus_device_sector_size_bytes",
			"Logical sector size of the device",
			[]string{"device"}, nil,
		)
		mDMASupported = prometheus.NewDesc(
			"atabus_device_dma_supported",
			"Boolean describing whether the device supports DMA transfers",
			[]string{"device"}, nil,
		)
		mLBA48 = prometheus.NewDesc(
			"atabus_device_lba48_supported",
			"Boolean describing whether the device supports 48-bit addressing",
			[]string{"device"}, nil,
		)
		mTrim = prometheus.NewDesc(
			"atabus_device_trim_supported",
			"Boolean describing whether the device supports DATA SET MANAGEMENT",
			[]string{"device"}, nil,
		)
		mWriteCache = prometheus.NewDesc(
			"atabus_device_write_cache_supported",
			"Boolean describing whether the device has a write cache",
			[]string{"device"}, nil,
		)
	)

	s := deviceState(id)
	mc := &metricCollector{}
	mc.m = append(mc.m,
		prometheus.MustNewConstMetric(mDeviceInfo, prometheus.GaugeValue, 1,
			device, s.Model, s.SerialNumber, s.Firmware, s.Protocol),
		prometheus.MustNewConstMetric(mCapacity, prometheus.GaugeValue,
			float64(s.CapacityBytes), device),
		prometheus.MustNewConstMetric(mSectorSize, prometheus.GaugeValue,
			float64(s.SectorSize), device),
		prometheus.MustNewConstMetric(mDMASupported, prometheus.GaugeValue,
			boolGauge(s.DMASupported), device),
		prometheus.MustNewConstMetric(mLBA48, prometheus.GaugeValue,
			boolGauge(s.LBA48), device),
		prometheus.MustNewConstMetric(mTrim, prometheus.GaugeValue,
			boolGauge(s.TrimSupported), device),
		prometheus.MustNewConstMetric(mWriteCache, prometheus.GaugeValue,
			boolGauge(s.WriteCache), device),
	)

	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(mc)

	mfs, err := reg.Gather()
	if err != nil {
		log.Fatalf("Failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(os.Stdout, mf); err != nil {
			log.Fatalf("Failed to serialize metrics: %v", err)
		}
	}
	return nil
}
